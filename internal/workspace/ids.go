package workspace

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// PathToID encodes an absolute path as an opaque, URL-safe task id.
func PathToID(path string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(path))
}

// IDToPath reverses PathToID. Ids with or without trailing padding decode
// to the same path.
func IDToPath(id string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(id, "="))
	if err != nil {
		return "", fmt.Errorf("%w: task id: %v", ErrInvalidPath, err)
	}
	return string(raw), nil
}
