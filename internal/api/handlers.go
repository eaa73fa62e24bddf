package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andyleap/fincenter/internal/aggregate"
	"github.com/andyleap/fincenter/internal/apperr"
	"github.com/andyleap/fincenter/internal/ident"
	"github.com/andyleap/fincenter/internal/oauth"
)

type Server struct {
	oauthService *oauth.Service
	proxy        *aggregate.Proxy
	ci           *ident.CIDeriver
	mockCI       bool
}

// NewServer wires the HTTP surface. mockCI allows CI derivation from phone
// numbers on the link endpoint.
func NewServer(oauthService *oauth.Service, proxy *aggregate.Proxy, ci *ident.CIDeriver, mockCI bool) *Server {
	return &Server{
		oauthService: oauthService,
		proxy:        proxy,
		ci:           ci,
		mockCI:       mockCI,
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type errorResponse struct {
	RspCode          string `json:"rsp_code"`
	RspMessage       string `json:"rsp_message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError renders err with its stable rsp_code. Internal failures are
// logged and never echo their cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.From(err)
	if appErr.Kind == apperr.Internal || appErr.Kind == apperr.TransactionIDExhausted {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()), "error", err)
	}

	if appErr.Kind == apperr.InvalidToken || appErr.Kind == apperr.ClientNotFound || appErr.Kind == apperr.InvalidCredentials {
		w.Header().Set("WWW-Authenticate", `Bearer error="`+appErr.OAuthCode+`"`)
	}
	writeJSON(w, appErr.Status, errorResponse{
		RspCode:          appErr.Code,
		RspMessage:       appErr.Message,
		Error:            appErr.OAuthCode,
		ErrorDescription: appErr.Message,
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
