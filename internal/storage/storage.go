package storage

import (
	"context"
	"errors"
	"time"

	"github.com/andyleap/fincenter/internal/models"
)

// ErrDuplicate is returned when an insert hits an existing unique key.
var ErrDuplicate = errors.New("storage: duplicate key")

// Lookups return (nil, nil) when the record does not exist.

type ClientStorage interface {
	GetClient(ctx context.Context, clientID string) (*models.Client, error)
	SaveClient(ctx context.Context, client *models.Client) error
	ClientExists(ctx context.Context, clientID string) (bool, error)
}

type CodeStorage interface {
	SaveCode(ctx context.Context, code *models.AuthorizationCode) error
	GetCode(ctx context.Context, code string) (*models.AuthorizationCode, error)
	// MarkCodeUsed flips the used flag and reports whether this call did it.
	MarkCodeUsed(ctx context.Context, code string) (bool, error)
	// ReplaceCode drops every unused code of the same (client, subject) and
	// stores code, as one step.
	ReplaceCode(ctx context.Context, code *models.AuthorizationCode) error
}

type TokenStorage interface {
	SaveToken(ctx context.Context, token *models.Token) error
	GetTokenByAccessHash(ctx context.Context, hash string) (*models.Token, error)
	GetTokenByRefreshHash(ctx context.Context, hash string) (*models.Token, error)
	// RevokeToken reports whether this call moved the token to revoked.
	RevokeToken(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeActiveTokens(ctx context.Context, clientID, subject string, at time.Time) (int, error)
}

type ConsentStorage interface {
	ListActiveConsents(ctx context.Context, subject string) ([]models.InstitutionConsent, error)
	GetConsent(ctx context.Context, subject, bankCodeStd string) (*models.InstitutionConsent, error)
	SaveConsent(ctx context.Context, consent *models.InstitutionConsent) error
	// CreateConsentIfAbsent reports whether a new record was written.
	CreateConsentIfAbsent(ctx context.Context, consent *models.InstitutionConsent) (bool, error)
}

type TransactionStorage interface {
	TransactionExists(ctx context.Context, date, transactionID string) (bool, error)
	GetTransaction(ctx context.Context, date, transactionID string) (*models.TransactionRecord, error)
	InsertTransaction(ctx context.Context, record *models.TransactionRecord) error
	CompleteTransaction(ctx context.Context, date, transactionID, rspCode, rspMessage string, latency time.Duration, completedAt time.Time) error
}
