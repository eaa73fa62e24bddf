package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/andyleap/fincenter/internal/models"
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FilesystemStorage keeps one JSON document per client under basePath/clients.
type FilesystemStorage struct {
	basePath string
}

func NewFilesystemStorage(basePath string) (*FilesystemStorage, error) {
	// Ensure the base path exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path %s: %w", basePath, err)
	}

	clientsPath := filepath.Join(basePath, "clients")
	if err := os.MkdirAll(clientsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create clients path: %w", err)
	}

	return &FilesystemStorage{
		basePath: basePath,
	}, nil
}

func (f *FilesystemStorage) clientPath(clientID string) (string, error) {
	if !clientIDPattern.MatchString(clientID) {
		return "", fmt.Errorf("invalid client id %q", clientID)
	}
	return filepath.Join(f.basePath, "clients", clientID+".json"), nil
}

func (f *FilesystemStorage) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	clientPath, err := f.clientPath(clientID)
	if err != nil {
		return nil, nil
	}

	data, err := os.ReadFile(clientPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read client file: %w", err)
	}

	var client models.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &client, nil
}

func (f *FilesystemStorage) SaveClient(ctx context.Context, client *models.Client) error {
	clientPath, err := f.clientPath(client.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(client, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	// Write then rename so readers never see a partial document
	tmpPath := clientPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write client file: %w", err)
	}
	if err := os.Rename(tmpPath, clientPath); err != nil {
		return fmt.Errorf("failed to replace client file: %w", err)
	}

	return nil
}

func (f *FilesystemStorage) ClientExists(ctx context.Context, clientID string) (bool, error) {
	clientPath, err := f.clientPath(clientID)
	if err != nil {
		return false, nil
	}

	_, err = os.Stat(clientPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check client file: %w", err)
	}

	return true, nil
}
