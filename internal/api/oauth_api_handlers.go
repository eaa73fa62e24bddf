package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/andyleap/fincenter/internal/apperr"
	"github.com/andyleap/fincenter/internal/ident"
	"github.com/andyleap/fincenter/internal/models"
	"github.com/andyleap/fincenter/internal/oauth"
)

const (
	authTypeInitial = "0"
	authTypeReauth  = "1"
	authTypeSkip    = "2"

	HeaderUserSeqNo = "X-User-Seq-No"
)

// AuthorizeHandler issues an authorization code and redirects back to the client
// GET /oauth/2.0/authorize?response_type=code&client_id=...&redirect_uri=...&scope=...&state=...&auth_type=0
func (s *Server) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if clientID == "" || redirectURI == "" {
		writeError(w, r, apperr.New(apperr.InvalidRequest, "client_id and redirect_uri are required"))
		return
	}

	// Until the redirect URI is known to belong to the client nothing may be
	// redirected to it.
	if _, err := s.oauthService.ValidateAuthorizationRequest(r.Context(), clientID, redirectURI); err != nil {
		writeError(w, r, err)
		return
	}

	redirectError := func(err error) {
		appErr := apperr.From(err)
		if appErr.Kind == apperr.Internal {
			slog.Error("Authorization failed", "client_id", clientID, "error", err)
		}
		http.Redirect(w, r, oauth.BuildErrorRedirectURL(redirectURI, appErr.OAuthCode, appErr.Message, state), http.StatusFound)
	}

	if q.Get("response_type") != "code" {
		redirectError(apperr.New(apperr.UnsupportedResponseType, "response_type must be code"))
		return
	}

	subject, err := s.resolveSubject(r, clientID, q.Get("auth_type"))
	if err != nil {
		redirectError(err)
		return
	}

	code, err := s.oauthService.IssueAuthorizationCode(r.Context(), oauth.AuthorizeRequest{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       q.Get("scope"),
		Subject:     subject,
		State:       state,
		ClientInfo:  q.Get("client_info"),
	})
	if err != nil {
		redirectError(err)
		return
	}

	http.Redirect(w, r, oauth.BuildRedirectURL(redirectURI, code), http.StatusFound)
}

// resolveSubject derives the user the code is issued for: a fresh sequence
// number, the one supplied by the client, or the one bound to a valid token.
func (s *Server) resolveSubject(r *http.Request, clientID, authType string) (string, error) {
	switch authType {
	case authTypeInitial:
		return ident.NewUserSeqNo()
	case authTypeReauth:
		subject := strings.TrimSpace(r.Header.Get(HeaderUserSeqNo))
		if subject == "" {
			return "", apperr.New(apperr.InvalidRequest, HeaderUserSeqNo+" header is required for auth_type 1")
		}
		return subject, nil
	case authTypeSkip:
		token := bearerToken(r)
		if token == "" {
			return "", apperr.New(apperr.InvalidRequest, "bearer token is required for auth_type 2")
		}
		record, err := s.oauthService.Authenticate(r.Context(), token)
		if err != nil {
			return "", err
		}
		if record.Subject == "" || record.ClientID != clientID {
			return "", apperr.New(apperr.InvalidToken, "token does not identify a user of this client")
		}
		return record.Subject, nil
	default:
		return "", apperr.New(apperr.InvalidRequest, "auth_type must be 0, 1 or 2")
	}
}

// TokenHandler serves the authorization_code, refresh_token and
// client_credentials grants
// POST /oauth/2.0/token
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, apperr.Wrap(apperr.InvalidRequest, "malformed form body", err))
		return
	}
	clientID, secret := clientCredentials(r)

	var (
		pair *models.TokenPair
		err  error
	)
	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		pair, err = s.oauthService.ExchangeCode(r.Context(), r.PostForm.Get("code"), clientID, secret, r.PostForm.Get("redirect_uri"))
	case "refresh_token":
		pair, err = s.oauthService.Refresh(r.Context(), r.PostForm.Get("refresh_token"), clientID, secret)
	case "client_credentials":
		pair, err = s.oauthService.IssueClientCredentials(r.Context(), clientID, secret, r.PostForm.Get("scope"))
	default:
		err = apperr.New(apperr.UnsupportedGrantType, "unsupported grant_type: "+grant)
	}
	if err != nil {
		slog.Info("Token request rejected", "client_id", clientID, "kind", apperr.KindOf(err))
		writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, pair)
}

// IntrospectHandler reports whether a token is currently valid
// POST /oauth/2.0/introspect
func (s *Server) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, apperr.Wrap(apperr.InvalidRequest, "malformed form body", err))
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		token = bearerToken(r)
	}

	response := map[string]any{"active": false}
	if record, err := s.oauthService.Authenticate(r.Context(), token); err == nil {
		response["active"] = true
		response["client_id"] = record.ClientID
		response["scope"] = record.Scope
		response["exp"] = record.AccessExpiresAt.Unix()
		if record.Subject != "" {
			response["user_seq_no"] = record.Subject
		}
	} else if !apperr.Is(err, apperr.InvalidToken) {
		slog.Warn("Introspection failed", "error", err)
	}
	writeJSON(w, http.StatusOK, response)
}

// RevokeHandler revokes a token for the authenticated client
// POST /oauth/2.0/revoke
func (s *Server) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, apperr.Wrap(apperr.InvalidRequest, "malformed form body", err))
		return
	}
	clientID, secret := clientCredentials(r)

	if err := s.oauthService.RevokeClientToken(r.Context(), clientID, secret, r.PostForm.Get("token")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rsp_code": "A0000", "rsp_message": "success"})
}

// clientCredentials reads client authentication from HTTP Basic or the form.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}
