// Package anonymizer derives stable pseudonymous keys from identifying inputs
// such as addresses, supply-point codes (CUPS) and client identities.
//
// Keys are keyed BLAKE2b-256 digests. The key is the per-category salt, so the
// same normalized inputs always map to the same digest for as long as the
// salt is unchanged. Salts must be persisted by the operator: there is no
// random fallback.
package anonymizer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/gridlens/gridlens/internal/core"
)

// Well-known categories.
const (
	CategoryAddress     = "address"
	CategoryClient      = "client"
	CategorySupplyPoint = "supply_point"
)

// MinSaltLength is the shortest salt accepted at startup.
const MinSaltLength = 16

// DigestLength is the hex length of every derived key.
const DigestLength = blake2b.Size256 * 2

const fieldSeparator = "\x1f"

// ErrMalformedKey marks a subject key that is not a derived digest.
var ErrMalformedKey = errors.New("subject key is not a pseudonymous digest")

// Anonymizer holds the per-category keys.
type Anonymizer struct {
	keys map[string][]byte
}

// New validates salts and builds an Anonymizer. Categories without a salt
// cannot be derived later.
func New(salts map[string]string) (*Anonymizer, error) {
	if len(salts) == 0 {
		return nil, fmt.Errorf("%w: no categories configured", core.ErrMissingSalt)
	}

	keys := make(map[string][]byte, len(salts))
	for category, salt := range salts {
		name := normalizeCategory(category)
		if name == "" {
			return nil, fmt.Errorf("anonymizer category name is empty")
		}
		salt = strings.TrimSpace(salt)
		if salt == "" {
			return nil, fmt.Errorf("%w: category %q", core.ErrMissingSalt, name)
		}
		if len(salt) < MinSaltLength {
			return nil, fmt.Errorf("salt for category %q must be at least %d characters", name, MinSaltLength)
		}
		keys[name] = saltKey(salt)
	}

	return &Anonymizer{keys: keys}, nil
}

// Require fails unless every named category has a salt.
func (a *Anonymizer) Require(categories ...string) error {
	var missing []string
	for _, category := range categories {
		if _, ok := a.key(category); !ok {
			missing = append(missing, normalizeCategory(category))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", core.ErrMissingSalt, strings.Join(missing, ", "))
	}
	return nil
}

// Categories lists configured categories in sorted order.
func (a *Anonymizer) Categories() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.keys))
	for name := range a.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Derive returns the pseudonymous key for the given raw fields.
func (a *Anonymizer) Derive(category string, fields ...string) (string, error) {
	key, ok := a.key(category)
	if !ok {
		return "", fmt.Errorf("%w: category %q", core.ErrMissingSalt, normalizeCategory(category))
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("no fields to derive %s key from", normalizeCategory(category))
	}

	normalized := make([]string, len(fields))
	empty := true
	for i, field := range fields {
		normalized[i] = Normalize(field)
		if normalized[i] != "" {
			empty = false
		}
	}
	if empty {
		return "", fmt.Errorf("all %s fields are empty", normalizeCategory(category))
	}

	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("init hash: %w", err)
	}
	_, _ = h.Write([]byte(normalizeCategory(category)))
	_, _ = h.Write([]byte(fieldSeparator))
	_, _ = h.Write([]byte(strings.Join(normalized, fieldSeparator)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (a *Anonymizer) key(category string) ([]byte, bool) {
	if a == nil {
		return nil, false
	}
	key, ok := a.keys[normalizeCategory(category)]
	return key, ok
}

// ValidateKey accepts only keys shaped like Derive output: DigestLength
// lowercase hex characters.
func ValidateKey(key string) error {
	if len(key) != DigestLength {
		return fmt.Errorf("%w: want %d hex characters, got %d", ErrMalformedKey, DigestLength, len(key))
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: invalid character at offset %d", ErrMalformedKey, i)
		}
	}
	return nil
}

// Normalize trims, case-folds and collapses inner whitespace.
func Normalize(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

// DedupKey combines pseudonymous keys with the target resource and period.
// Key order does not matter.
func DedupKey(resource, period string, keys ...string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	sum := blake2b.Sum256([]byte(strings.Join(sorted, fieldSeparator)))
	return strings.Join([]string{
		Normalize(resource),
		Normalize(period),
		hex.EncodeToString(sum[:16]),
	}, ":")
}

// GenerateSalt returns a random 32-byte salt, hex encoded. It is meant to be
// generated once and stored in configuration.
func GenerateSalt() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

func saltKey(salt string) []byte {
	if len(salt) <= blake2b.Size {
		return []byte(salt)
	}
	sum := blake2b.Sum512([]byte(salt))
	return sum[:]
}
