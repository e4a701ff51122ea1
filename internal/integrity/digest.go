package integrity

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var canonicalEnc cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("integrity: canonical cbor mode: %v", err))
	}
	canonicalEnc = em
}

// Digest computes the content address of a block payload: BLAKE3 over
// a canonical CBOR re-encoding. JSON key order and whitespace do not
// affect the digest, so editors that reserialize without changing
// content do not trip tamper detection.
func Digest(payload json.RawMessage) ([]byte, error) {
	var canonical []byte
	if len(payload) > 0 {
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		encoded, err := canonicalEnc.Marshal(decoded)
		if err != nil {
			return nil, fmt.Errorf("canonical encode payload: %w", err)
		}
		canonical = encoded
	}
	sum := blake3.Sum256(canonical)
	return sum[:], nil
}
