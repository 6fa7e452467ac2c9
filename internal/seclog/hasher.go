package seclog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/einsatzlog/etbguard/internal/models"
)

// GenesisHash is the previous hash of the first entry in the chain.
var GenesisHash = strings.Repeat("0", 64)

const fieldSeparator = "\x1f"

// Hasher computes entry digests. With a key it uses HMAC-SHA256, otherwise plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher creates a hasher. An empty key selects plain SHA-256.
func NewHasher(key []byte) *Hasher {
	return &Hasher{key: key}
}

// Keyed reports whether entries are authenticated with a secret.
func (h *Hasher) Keyed() bool {
	return len(h.key) > 0
}

// Sum returns the hex digest of the event's canonical form. The Hash field is ignored.
func (h *Hasher) Sum(ev *models.SecurityEvent) (string, error) {
	payload, err := Canonical(ev)
	if err != nil {
		return "", err
	}

	var mac hash.Hash
	if h.Keyed() {
		mac = hmac.New(sha256.New, h.key)
	} else {
		mac = sha256.New()
	}
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Canonical renders the hashed fields of ev in a fixed order.
func Canonical(ev *models.SecurityEvent) ([]byte, error) {
	details, err := canonicalDetails(ev.Details)
	if err != nil {
		return nil, err
	}

	fields := []string{
		strconv.FormatInt(ev.Sequence, 10),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		string(ev.Type),
		string(ev.Severity),
		ev.UserID,
		ev.Username,
		ev.IPAddress,
		ev.UserAgent,
		ev.Resource,
		ev.Message,
		details,
		ev.PreviousHash,
	}
	return []byte(strings.Join(fields, fieldSeparator)), nil
}

// encoding/json sorts map keys, which is all the canonical form needs.
func canonicalDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalizeDetails round-trips details through JSON so the in-memory value matches
// what any store hands back later.
func normalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
