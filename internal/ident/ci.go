package ident

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"strings"

	"github.com/andyleap/fincenter/internal/apperr"
)

const (
	ciBlockSize = 64
	// CILength is the length of a Base64 encoded HMAC-SHA512 digest.
	CILength = 88

	identifierLength = 13
)

// CI is a Connecting Information value. Synthetic values were derived from
// a phone number in mock mode and must not be presented as a real CI.
type CI struct {
	Value     string
	Synthetic bool
}

// CIDeriver derives CI values from national identifiers. Key material is
// supplied by the caller.
type CIDeriver struct {
	attribute [ciBlockSize]byte
	key       []byte
}

func NewCIDeriver(secretAttribute, hmacKey []byte) *CIDeriver {
	d := &CIDeriver{key: append([]byte(nil), hmacKey...)}
	copy(d.attribute[:], secretAttribute)
	return d
}

// Derive computes the CI for a 13 digit national identifier.
func (d *CIDeriver) Derive(identifier string) (CI, error) {
	identifier = strings.TrimSpace(identifier)
	if len(identifier) != identifierLength || !isDigits(identifier) {
		return CI{}, apperr.New(apperr.InvalidIdentifier, "identifier must be 13 digits")
	}
	return CI{Value: d.derive(identifier)}, nil
}

// DeriveFromPhone synthesizes a pseudo-identifier from a phone number and
// derives a CI from it. For test and demo environments only.
func (d *CIDeriver) DeriveFromPhone(phone string) (CI, error) {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	number := digits.String()
	if len(number) < 10 || len(number) > 11 {
		return CI{}, apperr.New(apperr.InvalidIdentifier, "phone number must have 10 or 11 digits")
	}

	pseudo := "9" + strings.Repeat("0", identifierLength-1-len(number)) + number
	return CI{Value: d.derive(pseudo), Synthetic: true}, nil
}

func (d *CIDeriver) derive(identifier string) string {
	var block [ciBlockSize]byte
	copy(block[:], identifier)
	for i := range block {
		block[i] ^= d.attribute[i]
	}

	mac := hmac.New(sha512.New, d.key)
	mac.Write(block[:])
	encoded := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if len(encoded) > CILength {
		encoded = encoded[:CILength]
	}
	return encoded
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
