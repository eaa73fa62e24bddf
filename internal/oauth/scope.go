package oauth

import (
	"strings"

	"github.com/andyleap/fincenter/internal/apperr"
	"github.com/andyleap/fincenter/internal/models"
)

// ClientCredentialsScope is the only scope a client credentials grant accepts.
const ClientCredentialsScope = "oob"

const scopeSeparator = "|"

var scopeVocabulary = map[string]struct{}{
	"login":       {},
	"inquiry":     {},
	"transfer":    {},
	"cardinfo":    {},
	"fintechinfo": {},
	"insurinfo":   {},
	"loaninfo":    {},
	"sa":          {},
}

// ParseScope splits a pipe-delimited scope string and checks every element
// against the vocabulary.
func ParseScope(scope string) ([]string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, apperr.New(apperr.InvalidScope, "scope is required")
	}

	parts := strings.Split(scope, scopeSeparator)
	for _, part := range parts {
		if _, ok := scopeVocabulary[part]; !ok {
			return nil, apperr.New(apperr.InvalidScope, "unsupported scope: "+part)
		}
	}
	return parts, nil
}

// checkGranted verifies that every requested scope was granted to the client.
// A client with no recorded grants may request the whole vocabulary.
func checkGranted(client *models.Client, requested []string) error {
	if len(client.Scopes) == 0 {
		return nil
	}
	granted := make(map[string]struct{}, len(client.Scopes))
	for _, s := range client.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := granted[s]; !ok {
			return apperr.New(apperr.InvalidScope, "scope not granted to client: "+s)
		}
	}
	return nil
}
