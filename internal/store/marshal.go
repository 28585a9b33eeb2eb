package store

import (
	"github.com/haulmark/fieldsync/internal/envelope"
)

// marshalMetadata serializes an envelope's metadata to TEXT for storage.
// Sealed envelopes store their ciphertext in dedicated columns and keep the
// metadata column empty; storing both would leak the plaintext.
func marshalMetadata(e *envelope.Envelope) (string, error) {
	if e.Sealed() || e.Metadata == nil {
		return "", nil
	}
	data, err := envelope.EncodeMetadata(e.Metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalMetadata parses the stored TEXT back into a typed variant.
// Empty text (sealed or metadata-less envelopes) yields nil.
func unmarshalMetadata(data string) (envelope.Metadata, error) {
	if data == "" {
		return nil, nil
	}
	return envelope.DecodeMetadata([]byte(data))
}
