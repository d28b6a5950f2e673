package id

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// UUID generates a UUID v4 string.
func UUID() string {
	return uuid.NewString()
}

// Hex32 generates 32 random bytes encoded as a 64-character hex string.
// Used for subscription ids and generated client identities.
func Hex32() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Payload generates a JSON-RPC request id: the current time in microseconds
// plus three random trailing digits. Time-based ids keep pending-request keys
// unique across restarts while staying inside the float64-safe integer range
// for JSON clients.
func Payload() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	entropy := int64(binary.BigEndian.Uint64(b[:]) % 1000)
	return time.Now().UnixMilli()*1000 + entropy
}
