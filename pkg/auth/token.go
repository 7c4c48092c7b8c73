package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is the iss claim of every token.
	Issuer = "foreman"
	// RoleOwner is the only role allowed to decide reauthorization requests.
	RoleOwner = "owner"
	// RoleBuilder may propose and execute mutations but never decide.
	RoleBuilder = "builder"
)

// OwnerClaims are the JWT claims carried by foreman tokens.
type OwnerClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenService issues and validates tokens.
type TokenService struct {
	keys  *KeySet
	clock func() time.Time
}

// NewTokenService returns nil when keys is nil; a nil service rejects every token.
func NewTokenService(keys *KeySet) *TokenService {
	if keys == nil {
		return nil
	}
	return &TokenService{keys: keys, clock: time.Now}
}

// WithClock overrides the clock used for issuing and expiry checks.
func (s *TokenService) WithClock(clock func() time.Time) *TokenService {
	s.clock = clock
	return s
}

// IssueOwnerToken signs an owner token for ownerID valid for ttl.
func (s *TokenService) IssueOwnerToken(ownerID string, ttl time.Duration) (string, error) {
	return s.IssueToken(ownerID, RoleOwner, ttl)
}

// IssueToken signs a token for subject with role.
func (s *TokenService) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if s == nil {
		return "", errors.New("token service uninitialized")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if role != RoleOwner && role != RoleBuilder {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	now := s.clock()
	return s.keys.Sign(OwnerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	})
}

// Validate parses an owner token.
func (s *TokenService) Validate(tokenStr string) (*OwnerClaims, error) {
	return s.ValidateRole(tokenStr, RoleOwner)
}

// ValidateRole parses tokenStr and checks signature, issuer, expiry and that
// the role is one of roles.
func (s *TokenService) ValidateRole(tokenStr string, roles ...string) (*OwnerClaims, error) {
	if s == nil {
		return nil, errors.New("validator uninitialized")
	}
	claims := &OwnerClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, s.keys.KeyFunc(),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	for _, r := range roles {
		if claims.Role == r {
			return claims, nil
		}
	}
	return nil, fmt.Errorf("role %q is not permitted", claims.Role)
}
