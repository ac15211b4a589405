package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// decodeBody extracts an envelope's body field, base64-decoding it
// first when the envelope says it is base64Encoded, then decodes that
// as T.
func decodeBody[T any](body string, isBase64Encoded bool) (T, error) {
	var zero T

	raw := []byte(body)
	if isBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return zero, fmt.Errorf("decode base64 envelope body: %w", err)
		}
		raw = decoded
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode envelope body: %w", err)
	}
	return out, nil
}
