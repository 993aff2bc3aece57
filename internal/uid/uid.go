// Package uid generates the request identifiers stamped on every gateway
// response.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// RequestID returns a 16-character lowercase hex identifier for the
// x-amz-request-id header and error bodies.
func RequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based ID. Should never happen with crypto/rand.
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
