package storage

import (
	"context"
	"testing"

	"github.com/andyleap/fincenter/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	client := &models.Client{
		ID:          "demo-app",
		Name:        "Demo",
		SecretHash:  "$2a$10$hash",
		RedirectURI: "http://localhost:3000/callback",
		Scopes:      []string{"login", "inquiry"},
		UseCode:     "F123456789",
		Active:      true,
	}
	require.NoError(t, store.SaveClient(ctx, client))

	exists, err := store.ClientExists(ctx, "demo-app")
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.GetClient(ctx, "demo-app")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, client.SecretHash, loaded.SecretHash)
	assert.Equal(t, client.Scopes, loaded.Scopes)
}

func TestFilesystemRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	loaded, err := store.GetClient(ctx, "../../etc/passwd")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	assert.Error(t, store.SaveClient(ctx, &models.Client{ID: "../x"}))
}
