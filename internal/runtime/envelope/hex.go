package envelope

import (
	"encoding/hex"
	"fmt"

	"github.com/drblury/objectbridge/internal/runtime/errors"
)

// EncodeHex renders content as lowercase hex. DecodeHex(EncodeHex(b)) == b.
func EncodeHex(content []byte) string {
	return hex.EncodeToString(content)
}

// DecodeHex is the inverse of EncodeHex. Upper case digits are accepted.
func DecodeHex(encoded string) ([]byte, error) {
	out, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex content: %v", errors.ErrMalformedEnvelope, err)
	}
	return out, nil
}
