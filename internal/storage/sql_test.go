package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andyleap/fincenter/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStorage(t *testing.T) *SQLStorage {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	store, err := OpenSQL(context.Background(), "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateSchema(context.Background()))
	return store
}

// repositories runs the same contract against every backend that
// implements token, consent and transaction storage.
func repositories(t *testing.T) map[string]interface {
	TokenStorage
	ConsentStorage
	TransactionStorage
} {
	return map[string]interface {
		TokenStorage
		ConsentStorage
		TransactionStorage
	}{
		"memory": NewMemoryStorage(),
		"sqlite": newSQLiteStorage(t),
	}
}

func TestTokenRevocation(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	for name, store := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			first := &models.Token{
				ID: "t1", ClientID: "app", Subject: "1100000001", Scope: "login|inquiry",
				AccessTokenHash: "a1", RefreshTokenHash: "r1",
				AccessExpiresAt: now.Add(time.Hour), RefreshExpiresAt: now.Add(2 * time.Hour),
				CreatedAt: now, UpdatedAt: now,
			}
			second := &models.Token{
				ID: "t2", ClientID: "app", Subject: "1100000001", Scope: "login",
				AccessTokenHash: "a2", AccessExpiresAt: now.Add(time.Hour),
				CreatedAt: now, UpdatedAt: now,
			}
			other := &models.Token{
				ID: "t3", ClientID: "app", Subject: "1100000002", Scope: "login",
				AccessTokenHash: "a3", AccessExpiresAt: now.Add(time.Hour),
				CreatedAt: now, UpdatedAt: now,
			}
			for _, tok := range []*models.Token{first, second, other} {
				require.NoError(t, store.SaveToken(ctx, tok))
			}
			assert.ErrorIs(t, store.SaveToken(ctx, first), ErrDuplicate)

			found, err := store.GetTokenByRefreshHash(ctx, "r1")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, "t1", found.ID)
			assert.True(t, found.AccessExpiresAt.Equal(first.AccessExpiresAt))

			missing, err := store.GetTokenByRefreshHash(ctx, "")
			require.NoError(t, err)
			assert.Nil(t, missing)

			revokedAt := now.Add(30 * time.Minute)
			won, err := store.RevokeToken(ctx, "t1", revokedAt)
			require.NoError(t, err)
			assert.True(t, won)
			revoked, err := store.GetTokenByAccessHash(ctx, first.AccessTokenHash)
			require.NoError(t, err)
			require.NotNil(t, revoked)
			assert.True(t, revoked.Revoked)
			assert.True(t, revoked.UpdatedAt.Equal(revokedAt), "revocation time comes from the caller")
			won, err = store.RevokeToken(ctx, "t1", revokedAt)
			require.NoError(t, err)
			assert.False(t, won, "second revoke must lose")

			count, err := store.RevokeActiveTokens(ctx, "app", "1100000001", revokedAt)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			untouched, err := store.GetTokenByAccessHash(ctx, "a3")
			require.NoError(t, err)
			require.NotNil(t, untouched)
			assert.False(t, untouched.Revoked)
		})
	}
}

func TestConsentCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	for name, store := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			consent := &models.InstitutionConsent{
				Subject: "1100000001", BankCodeStd: "097", InfoProvision: true,
				AccountInquiry: true, Status: models.ConsentActive,
				RegisteredAt: now, UpdatedAt: now,
			}

			created, err := store.CreateConsentIfAbsent(ctx, consent)
			require.NoError(t, err)
			assert.True(t, created)

			created, err = store.CreateConsentIfAbsent(ctx, consent)
			require.NoError(t, err)
			assert.False(t, created)

			inactive := *consent
			inactive.BankCodeStd = "088"
			inactive.Status = models.ConsentInactive
			require.NoError(t, store.SaveConsent(ctx, &inactive))

			active, err := store.ListActiveConsents(ctx, "1100000001")
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "097", active[0].BankCodeStd)

			inactive.Status = models.ConsentActive
			require.NoError(t, store.SaveConsent(ctx, &inactive))
			active, err = store.ListActiveConsents(ctx, "1100000001")
			require.NoError(t, err)
			assert.Len(t, active, 2)

			// Saving an identical record is an update, never a second insert.
			require.NoError(t, store.SaveConsent(ctx, &inactive))
			active, err = store.ListActiveConsents(ctx, "1100000001")
			require.NoError(t, err)
			assert.Len(t, active, 2)
		})
	}
}

func TestTransactionLog(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	for name, store := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			record := &models.TransactionRecord{
				Date: "20261015", TransactionID: "F123456789U1A2B3C4D5",
				APIName: "user/me", Subject: "1100000001",
				Status: models.TransactionPending, CreatedAt: now,
			}
			require.NoError(t, store.InsertTransaction(ctx, record))

			err := store.InsertTransaction(ctx, record)
			assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

			exists, err := store.TransactionExists(ctx, "20261015", record.TransactionID)
			require.NoError(t, err)
			assert.True(t, exists)

			exists, err = store.TransactionExists(ctx, "20261016", record.TransactionID)
			require.NoError(t, err)
			assert.False(t, exists, "uniqueness is per day")

			require.NoError(t, store.CompleteTransaction(ctx, "20261015", record.TransactionID, "A0000", "ok", 42*time.Millisecond, now))

			stored, err := store.GetTransaction(ctx, "20261015", record.TransactionID)
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.Equal(t, models.TransactionCompleted, stored.Status)
			assert.Equal(t, "A0000", stored.RspCode)
			assert.EqualValues(t, 42, stored.LatencyMillis)
		})
	}
}

func TestNormalizeMySQLDSN(t *testing.T) {
	dsn, err := normalizeMySQLDSN("fincenter:secret@tcp(db:3306)/fincenter")
	require.NoError(t, err)
	assert.Contains(t, dsn, "clientFoundRows=true")
	assert.Contains(t, dsn, "parseTime=true")

	_, err = normalizeMySQLDSN("not a dsn")
	assert.Error(t, err)
}
