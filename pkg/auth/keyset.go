// Package auth issues and validates the bearer tokens that identify the
// owner on decision endpoints.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const keyDerivationSalt = "foreman-owner-kdf"

// KeySet holds the Ed25519 key derived from the owner secret.
type KeySet struct {
	kid  string
	priv ed25519.PrivateKey
}

// DeriveKeySet derives a signing key from secret with HKDF-SHA256. The same
// secret always yields the same key, so tokens survive restarts.
func DeriveKeySet(secret string) (*KeySet, error) {
	if secret == "" {
		return nil, errors.New("owner secret is empty")
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(keyDerivationSalt), []byte("owner-token"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	sum := sha256.Sum256(priv.Public().(ed25519.PublicKey))
	return &KeySet{kid: "owner-" + hex.EncodeToString(sum[:4]), priv: priv}, nil
}

// KID identifies the derived key in token headers.
func (ks *KeySet) KID() string { return ks.kid }

// Sign signs claims with EdDSA.
func (ks *KeySet) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = ks.kid
	return token.SignedString(ks.priv)
}

// KeyFunc resolves the verification key, rejecting any other algorithm or kid.
func (ks *KeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("missing kid in header")
		}
		if kid != ks.kid {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return ks.priv.Public(), nil
	}
}
