package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// legacyDigestLength is the hex length of an unsalted SHA-256 digest.
const legacyDigestLength = sha256.Size * 2

// Verification is the outcome of Hasher.Verify.
type Verification struct {
	Match        bool
	NeedsUpgrade bool // Matched a legacy digest or an outdated cost; rehash with Hash
}

// Hasher computes and verifies credential hashes.
//
// bcrypt is deliberately slow, so at most a fixed number of computations run
// at once and callers queue on a semaphore instead of starving the scheduler.
type Hasher struct {
	cost  int
	slots *semaphore.Weighted

	placeholderOnce sync.Once
	placeholderHash string
}

// NewHasher creates a hasher with the given bcrypt cost.
func NewHasher(cost, maxConcurrent int) (*Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Hasher{
		cost:  cost,
		slots: semaphore.NewWeighted(int64(maxConcurrent)),
	}, nil
}

// Hash returns a self-describing bcrypt hash with a fresh salt.
func (h *Hasher) Hash(ctx context.Context, secret string) (string, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.slots.Release(1)

	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return string(bytes), nil
}

// Verify checks secret against stored. A malformed stored value is a
// mismatch, not an error; only a cancelled ctx fails.
func (h *Hasher) Verify(ctx context.Context, secret, stored string) (Verification, error) {
	if IsLegacyFormat(stored) {
		match := subtle.ConstantTimeCompare([]byte(LegacyDigest(secret)), []byte(strings.ToLower(stored))) == 1
		return Verification{Match: match, NeedsUpgrade: match}, nil
	}
	if !isModernFormat(stored) {
		return Verification{}, nil
	}

	if err := h.slots.Acquire(ctx, 1); err != nil {
		return Verification{}, err
	}
	defer h.slots.Release(1)

	// Mismatch and corrupt hashes both end up here
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(secret)); err != nil {
		return Verification{}, nil
	}
	return Verification{Match: true, NeedsUpgrade: h.NeedsRehash(stored)}, nil
}

// NeedsRehash reports whether a modern hash was produced with another cost.
func (h *Hasher) NeedsRehash(stored string) bool {
	cost, err := bcrypt.Cost([]byte(stored))
	return err == nil && cost != h.cost
}

// IsLegacyFormat reports whether stored is an unsalted SHA-256 hex digest.
func IsLegacyFormat(stored string) bool {
	if len(stored) != legacyDigestLength {
		return false
	}
	_, err := hex.DecodeString(stored)
	return err == nil
}

func isModernFormat(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}

// LegacyDigest computes the legacy credential format.
func LegacyDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Placeholder returns a bcrypt hash of a random secret at the configured cost.
// Verifying against it costs the same as a real comparison and never matches.
func (h *Hasher) Placeholder() string {
	h.placeholderOnce.Do(func() {
		random := make([]byte, 32)
		if _, err := rand.Read(random); err != nil {
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(random)), h.cost)
		if err != nil {
			return
		}
		h.placeholderHash = string(hash)
	})
	return h.placeholderHash
}
