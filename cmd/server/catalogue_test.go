package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyleap/fincenter/internal/models"
	"github.com/andyleap/fincenter/internal/oauth"
	"github.com/andyleap/fincenter/internal/storage"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadInstitutions(t *testing.T) {
	institutions, err := LoadInstitutions(filepath.Join("..", "..", "config", "institutions.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, institutions)
	assert.Equal(t, "004", institutions[0].Code)
	assert.Equal(t, models.InstitutionBank, institutions[0].Type)
	assert.NotEmpty(t, institutions[0].BaseURL)

	_, err = LoadInstitutions(writeFile(t, "institutions:\n  - code: \"001\"\n    type: broker\n    base_url: http://x\n"))
	assert.Error(t, err)
}

func TestSeedClientsHashesSecrets(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	path := filepath.Join("..", "..", "config", "clients.yaml")
	require.NoError(t, SeedClients(ctx, path, store))

	client, err := store.GetClient(ctx, "demo-app")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.True(t, client.Active)
	assert.Equal(t, "M202300001", client.UseCode)
	assert.NotEqual(t, "demo-secret", client.SecretHash)

	_, err = oauth.NewRegistry(store).AuthenticateClient(ctx, "demo-app", "demo-secret")
	assert.NoError(t, err)

	// a second run keeps the existing record
	require.NoError(t, SeedClients(ctx, path, store))
	again, err := store.GetClient(ctx, "demo-app")
	require.NoError(t, err)
	assert.Equal(t, client.SecretHash, again.SecretHash)
}

func TestConfigValidation(t *testing.T) {
	cfg := &Config{UseCode: "M202300000"}
	cfg.Aggregation.PoolSize = 10
	assert.Error(t, cfg.validate())

	cfg.Security.Dev = true
	assert.NoError(t, cfg.validate())

	cfg.UseCode = "short"
	assert.Error(t, cfg.validate())
}
