package oauth

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/andyleap/fincenter/internal/apperr"
	"github.com/andyleap/fincenter/internal/models"
	"github.com/andyleap/fincenter/internal/storage"
)

// Registry validates client identity against the persisted client records.
type Registry struct {
	clients storage.ClientStorage
}

func NewRegistry(clients storage.ClientStorage) *Registry {
	return &Registry{clients: clients}
}

// ValidateClient returns the active client with the given id.
func (r *Registry) ValidateClient(ctx context.Context, clientID string) (*models.Client, error) {
	if clientID == "" {
		return nil, apperr.New(apperr.ClientNotFound, "client_id is required")
	}

	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if client == nil || !client.Active {
		return nil, apperr.New(apperr.ClientNotFound, "unknown or inactive client")
	}
	return client, nil
}

func (r *Registry) AuthenticateClient(ctx context.Context, clientID, secret string) (*models.Client, error) {
	client, err := r.ValidateClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return nil, apperr.New(apperr.InvalidCredentials, "invalid client credentials")
	}
	return client, nil
}

// MatchRedirectURI compares a stored and a presented redirect URI, ignoring
// case and surrounding whitespace.
func MatchRedirectURI(stored, presented string) error {
	if !strings.EqualFold(strings.TrimSpace(stored), strings.TrimSpace(presented)) {
		return apperr.New(apperr.InvalidRedirectURI, "redirect_uri does not match the registered value")
	}
	return nil
}

func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}
