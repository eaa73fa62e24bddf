package ident

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/andyleap/fincenter/internal/apperr"
	"github.com/andyleap/fincenter/internal/models"
	"github.com/andyleap/fincenter/internal/storage"
)

const (
	UseCodeLength       = 10
	TransactionIDLength = 20
	// GenerationMarker marks ids generated by the use-code holder itself.
	GenerationMarker = 'U'

	maxGenerationAttempts = 10
	dateLayout            = "20060102"
	base36Digits          = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// TransactionID is an issued id together with the calendar day it is unique in.
type TransactionID struct {
	Date  string
	Value string
}

func (t TransactionID) String() string {
	return t.Value
}

// TransactionIDGenerator issues per-day unique transaction ids. The persisted
// transaction log is the source of truth for uniqueness.
type TransactionIDGenerator struct {
	store   storage.TransactionStorage
	useCode string
	seq     atomic.Uint64
	now     func() time.Time
	logger  *slog.Logger
}

type GeneratorOption func(*TransactionIDGenerator)

func WithClock(now func() time.Time) GeneratorOption {
	return func(g *TransactionIDGenerator) {
		g.now = now
	}
}

func WithLogger(logger *slog.Logger) GeneratorOption {
	return func(g *TransactionIDGenerator) {
		g.logger = logger
	}
}

func NewTransactionIDGenerator(store storage.TransactionStorage, useCode string, opts ...GeneratorOption) (*TransactionIDGenerator, error) {
	if store == nil {
		return nil, fmt.Errorf("ident: transaction storage is required")
	}
	if len(useCode) != UseCodeLength {
		return nil, fmt.Errorf("ident: use code must be %d characters, got %q", UseCodeLength, useCode)
	}

	g := &TransactionIDGenerator{
		store:   store,
		useCode: useCode,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate issues an id under the generator's own use code and logs it as
// pending for apiName/subject.
func (g *TransactionIDGenerator) Generate(ctx context.Context, apiName, subject string) (TransactionID, error) {
	return g.GenerateFor(ctx, g.useCode, apiName, subject)
}

// GenerateFor issues an id under a client's use code.
func (g *TransactionIDGenerator) GenerateFor(ctx context.Context, useCode, apiName, subject string) (TransactionID, error) {
	if len(useCode) != UseCodeLength {
		return TransactionID{}, fmt.Errorf("ident: use code must be %d characters, got %q", UseCodeLength, useCode)
	}

	for attempt := 1; attempt <= maxGenerationAttempts; attempt++ {
		now := g.now()
		suffix, err := g.suffix(now)
		if err != nil {
			return TransactionID{}, err
		}
		id := TransactionID{
			Date:  now.Format(dateLayout),
			Value: useCode + string(GenerationMarker) + suffix,
		}

		exists, err := g.store.TransactionExists(ctx, id.Date, id.Value)
		if err != nil {
			return TransactionID{}, fmt.Errorf("check transaction id: %w", err)
		}
		if exists {
			g.logger.Debug("Transaction id collision", "bank_tran_id", id.Value, "attempt", attempt)
			continue
		}

		err = g.store.InsertTransaction(ctx, &models.TransactionRecord{
			Date:          id.Date,
			TransactionID: id.Value,
			APIName:       apiName,
			Subject:       subject,
			Status:        models.TransactionPending,
			CreatedAt:     now,
		})
		if errors.Is(err, storage.ErrDuplicate) {
			g.logger.Debug("Transaction id lost insert race", "bank_tran_id", id.Value, "attempt", attempt)
			continue
		}
		if err != nil {
			return TransactionID{}, fmt.Errorf("record transaction id: %w", err)
		}
		return id, nil
	}

	g.logger.Error("Transaction id generation exhausted", "attempts", maxGenerationAttempts, "api_name", apiName)
	return TransactionID{}, apperr.New(apperr.TransactionIDExhausted, "could not generate a unique transaction id")
}

// Complete records the outcome of the call the id was issued for.
func (g *TransactionIDGenerator) Complete(ctx context.Context, id TransactionID, rspCode, rspMessage string, latency time.Duration) error {
	if err := g.store.CompleteTransaction(ctx, id.Date, id.Value, rspCode, rspMessage, latency, g.now()); err != nil {
		return fmt.Errorf("complete transaction id: %w", err)
	}
	return nil
}

// suffix is six base-36 digits of milliseconds since midnight, one digit of
// the sequence counter and two random digits.
func (g *TransactionIDGenerator) suffix(now time.Time) (string, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	millis := uint64(now.Sub(midnight).Milliseconds())

	buf := make([]byte, 9)
	for i := 5; i >= 0; i-- {
		buf[i] = base36Digits[millis%36]
		millis /= 36
	}
	buf[6] = base36Digits[(g.seq.Add(1)-1)%36]

	for i := 7; i < 9; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(36))
		if err != nil {
			return "", fmt.Errorf("generate transaction id: %w", err)
		}
		buf[i] = base36Digits[n.Int64()]
	}
	return string(buf), nil
}
