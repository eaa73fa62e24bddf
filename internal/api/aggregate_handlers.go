package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/andyleap/fincenter/internal/apperr"
	"github.com/andyleap/fincenter/internal/ident"
	"github.com/andyleap/fincenter/internal/models"
)

// UserMeHandler aggregates the caller's data across consented institutions
// GET /v2.0/user/me
func (s *Server) UserMeHandler(w http.ResponseWriter, r *http.Request) {
	record, err := tokenSubject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.proxy.AggregateUserInfo(r.Context(), record.Subject)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type linkRequest struct {
	UserCI     string `json:"user_ci"`
	Identifier string `json:"identifier"`
	PhoneNo    string `json:"phone_no"`
}

// UserLinkHandler discovers the institutions that know the caller and links them
// POST /v2.0/user/link
func (s *Server) UserLinkHandler(w http.ResponseWriter, r *http.Request) {
	record, err := tokenSubject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req linkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.InvalidRequest, "invalid JSON body", err))
		return
	}

	ci, err := s.resolveCI(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.proxy.DiscoverAndLink(r.Context(), record.Subject, ci.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) resolveCI(req linkRequest) (ident.CI, error) {
	userCI := strings.TrimSpace(req.UserCI)
	identifier := strings.TrimSpace(req.Identifier)
	phoneNo := strings.TrimSpace(req.PhoneNo)

	provided := 0
	for _, v := range []string{userCI, identifier, phoneNo} {
		if v != "" {
			provided++
		}
	}
	if provided != 1 {
		return ident.CI{}, apperr.New(apperr.InvalidRequest, "exactly one of user_ci, identifier or phone_no is required")
	}

	switch {
	case userCI != "":
		if len(userCI) != ident.CILength {
			return ident.CI{}, apperr.New(apperr.InvalidIdentifier, "user_ci must be 88 characters")
		}
		return ident.CI{Value: userCI}, nil
	case identifier != "":
		return s.ci.Derive(identifier)
	default:
		if !s.mockCI {
			return ident.CI{}, apperr.New(apperr.InvalidRequest, "phone_no is only accepted in mock CI mode")
		}
		return s.ci.DeriveFromPhone(phoneNo)
	}
}

func tokenSubject(r *http.Request) (*models.Token, error) {
	record, ok := TokenFromContext(r.Context())
	if !ok {
		return nil, apperr.New(apperr.InvalidToken, "bearer token is required")
	}
	if record.Subject == "" {
		return nil, apperr.New(apperr.InvalidToken, "token is not bound to a user")
	}
	return record, nil
}
