package primary

import (
	"github.com/dagmesh/certdag/store"
	"github.com/hashicorp/go-hclog"
)

// WaiterMessage asks the external waiter to fetch the missing batches
// and re-deliver the header once they arrived.
type WaiterMessage struct {
	Missing []BatchRef
	Header  *Header
}

// Synchronizer gates header processing on payload availability.
type Synchronizer struct {
	name     string
	store    store.Store
	waiterCh chan<- WaiterMessage
	logger   hclog.Logger
}

// NewSynchronizer creates a synchronizer for the named local authority.
func NewSynchronizer(name string, st store.Store, waiterCh chan<- WaiterMessage,
	logger hclog.Logger) *Synchronizer {
	return &Synchronizer{
		name:     name,
		store:    st,
		waiterCh: waiterCh,
		logger:   logger,
	}
}

// MissingPayload reports whether any batch the header references is not
// locally available. Our own headers always reference local batches.
// When batches are missing, one batched request covering the whole
// missing set goes to the waiter and the caller must defer processing.
func (s *Synchronizer) MissingPayload(header *Header) (bool, error) {
	if header.Author == s.name {
		return false, nil
	}

	var missing []BatchRef
	for _, ref := range header.Payload {
		// The worker id is part of the key: a batch only counts as held
		// if it was received by the exact worker the header claims.
		ok, err := s.store.Has(payloadKey(ref))
		if err != nil {
			return false, &StoreError{Err: err}
		}
		if !ok {
			missing = append(missing, ref)
		}
	}

	if len(missing) == 0 {
		return false, nil
	}

	s.logger.Debug("header payload is incomplete", "header", digestKey(header.ID),
		"author", header.Author, "missing", len(missing))
	s.waiterCh <- WaiterMessage{Missing: missing, Header: header}
	return true, nil
}
