package room

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher turns room passwords into stored digests and checks them.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(digest, password string) bool
}

// BcryptHasher salts and stretches a fixed-size SHA-256 pre-digest, which
// also keeps long passwords inside bcrypt's 72-byte input limit.
type BcryptHasher struct {
	Cost int
}

func prehash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(hex.EncodeToString(sum[:]))
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	digest, err := bcrypt.GenerateFromPassword(prehash(password), cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

func (h BcryptHasher) Verify(digest, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), prehash(password)) == nil
}
