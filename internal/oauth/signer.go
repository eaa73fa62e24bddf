package oauth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims carried by every token the center signs.
type Claims struct {
	ClientID  string    `json:"client_id"`
	UserSeqNo string    `json:"user_seq_no,omitempty"`
	Scope     string    `json:"scope"`
	Kind      TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// Signer signs and verifies HS256 tokens.
type Signer struct {
	key    []byte
	issuer string
}

func NewSigner(key []byte, issuer string) (*Signer, error) {
	if len(key) == 0 {
		return nil, errors.New("oauth: signing key is required")
	}
	return &Signer{key: append([]byte(nil), key...), issuer: issuer}, nil
}

// Sign issues a token of the given kind. The subject is the principal when
// present, otherwise the client id is.
func (s *Signer) Sign(kind TokenKind, clientID, subject, scope string, issuedAt, expiresAt time.Time) (string, error) {
	principal := subject
	if principal == "" {
		principal = clientID
	}

	claims := Claims{
		ClientID:  clientID,
		UserSeqNo: subject,
		Scope:     scope,
		Kind:      kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify checks signature, issuer, expiry at now and token kind.
func (s *Signer) Verify(token string, kind TokenKind, now time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("expected %s token, got %q", kind, claims.Kind)
	}
	return claims, nil
}

// hashToken is the lookup key tokens are persisted under.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
