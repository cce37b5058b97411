package primary

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
)

func genMsgHashSum(data []byte) ([]byte, error) {
	msgHash := sha256.New()
	_, err := msgHash.Write(data)
	if err != nil {
		return nil, err
	}
	return msgHash.Sum(nil), nil
}

// encode encodes the data into bytes.
// Data can be of any type.
func encode(data interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode decodes bytes into the data.
// Data should be passed in the format of a pointer to a type.
func decode(s []byte, data interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(s))
	if err := dec.Decode(data); err != nil {
		return err
	}
	return nil
}

// payloadKey is the store key marking that one of our workers holds the
// referenced batch: digest followed by the little-endian worker id.
func payloadKey(ref BatchRef) []byte {
	key := make([]byte, len(ref.Digest)+4)
	copy(key, ref.Digest)
	binary.LittleEndian.PutUint32(key[len(ref.Digest):], ref.WorkerID)
	return key
}

func digestKey(digest []byte) string {
	return hex.EncodeToString(digest)
}
