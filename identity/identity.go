// Package identity handles instance id generation and per-instance
// credential issuance, rotation and constant-time validation.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pochard/commons/randstr"
)

// GenerateInstanceID derives a stable-looking identifier from the
// (serviceName, ip, port) tuple plus a fresh entropy source, so two
// instances sharing network coordinates across restarts still
// receive distinct ids.
func GenerateInstanceID(serviceName, ip string, port int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", serviceName, ip, port)))
	coord := hex.EncodeToString(sum[:])[:12]
	suffix := randstr.RandomAlphanumeric(6)
	return fmt.Sprintf("%s-%s-%s", coord, uuid.New().String(), suffix)
}

// TokenEntropyBytes is sized so the base64-encoded token carries at
// least 128 bits of entropy.
const TokenEntropyBytes = 24

// IssueToken returns a fresh opaque credential with negligible
// collision probability. It carries no structure; callers must never
// attempt to parse it.
func IssueToken() (string, error) {
	buf := make([]byte, TokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Table is the instanceId -> token side table. At most one token is
// valid per instance at any moment; issuance or rotation atomically
// invalidates the previous value.
type Table struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewTable() *Table {
	return &Table{tokens: make(map[string]string)}
}

// Issue generates and stores a new token for instanceId, replacing
// any prior one atomically.
func (t *Table) Issue(instanceID string) (string, error) {
	token, err := IssueToken()
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.tokens[instanceID] = token
	t.mu.Unlock()
	return token, nil
}

// Rotate is semantically identical to Issue; kept as a distinct name
// so callers read intent at the call site.
func (t *Table) Rotate(instanceID string) (string, error) {
	return t.Issue(instanceID)
}

// Validate performs a constant-time comparison of token against the
// value currently stored for instanceID. Unknown instances never
// validate.
func (t *Table) Validate(instanceID, token string) bool {
	t.mu.RLock()
	stored, ok := t.tokens[instanceID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1
}

// Evict destroys the token entry for instanceID, e.g. when the
// lease manager removes the instance.
func (t *Table) Evict(instanceID string) {
	t.mu.Lock()
	delete(t.tokens, instanceID)
	t.mu.Unlock()
}

// Has reports whether a token entry exists for instanceID.
func (t *Table) Has(instanceID string) bool {
	t.mu.RLock()
	_, ok := t.tokens[instanceID]
	t.mu.RUnlock()
	return ok
}
