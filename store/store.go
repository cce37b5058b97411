/*
Package store implements the persistent key-value storage consumed by
the primary. Writes must be durable before they return; a write failure
is unrecoverable for the caller.
*/
package store

// Store is a flat key-value store. Read returns (nil, nil) when the key
// is absent.
type Store interface {
	Write(key, value []byte) error
	Read(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Close() error
}
