// Package idempo deduplicates retried operations: a deterministic key is
// derived from the operation's identity and the first result is cached, so a
// retry returns the original decision instead of re-running side effects.
package idempo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Store is the backend contract shared by the in-memory and file-backed
// implementations. Put must be durable before it returns (for backends that
// persist at all).
type Store interface {
	Has(key string) bool
	Get(key string) (string, bool)
	Put(key, value string) error
}

// Key derives a deterministic idempotency key from an operation name and its
// canonical payload (sorted keys, compact encoding).
func Key(operation string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("idempo: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256([]byte(operation + ":" + string(body)))
	return hex.EncodeToString(sum[:]), nil
}
