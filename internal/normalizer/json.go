package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// unmarshalStrict rejects payloads with unrecognized fields, so a
// venue sending a shape this parser doesn't expect fails fast as a
// SchemaViolation instead of silently dropping fields.
func unmarshalStrict(payload []byte, dest interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
