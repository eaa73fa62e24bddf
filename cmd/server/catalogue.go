package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andyleap/fincenter/internal/models"
	"github.com/andyleap/fincenter/internal/oauth"
	"github.com/andyleap/fincenter/internal/storage"
)

type catalogueFile struct {
	Institutions []models.Institution `yaml:"institutions"`
}

// LoadInstitutions reads the institution catalogue.
func LoadInstitutions(path string) ([]models.Institution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read institution catalogue: %w", err)
	}

	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse institution catalogue: %w", err)
	}
	for i, inst := range file.Institutions {
		if inst.Code == "" || inst.BaseURL == "" {
			return nil, fmt.Errorf("institution %d: code and base_url are required", i)
		}
		switch inst.Type {
		case models.InstitutionBank, models.InstitutionCard, models.InstitutionInsurance:
		default:
			return nil, fmt.Errorf("institution %s: unknown type %q", inst.Code, inst.Type)
		}
	}
	return file.Institutions, nil
}

type clientSeed struct {
	models.Client `yaml:",inline"`
	Secret        string `yaml:"client_secret"`
}

type clientsFile struct {
	Clients []clientSeed `yaml:"clients"`
}

// SeedClients provisions the clients listed in path. Plain secrets are
// hashed before they are stored; existing clients are left untouched.
func SeedClients(ctx context.Context, path string, clients storage.ClientStorage) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read clients file: %w", err)
	}

	var file clientsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse clients file: %w", err)
	}

	for _, seed := range file.Clients {
		if len(seed.UseCode) != 10 {
			return fmt.Errorf("client %s: use_code must be 10 characters", seed.ID)
		}

		exists, err := clients.ClientExists(ctx, seed.ID)
		if err != nil {
			return fmt.Errorf("client %s: %w", seed.ID, err)
		}
		if exists {
			slog.Info("Client already provisioned", "client_id", seed.ID)
			continue
		}

		hash, err := oauth.HashSecret(seed.Secret)
		if err != nil {
			return fmt.Errorf("client %s: %w", seed.ID, err)
		}
		client := seed.Client
		client.SecretHash = hash
		client.CreatedAt = time.Now()
		client.UpdatedAt = client.CreatedAt
		if err := clients.SaveClient(ctx, &client); err != nil {
			return fmt.Errorf("client %s: %w", seed.ID, err)
		}
		slog.Info("Provisioned client", "client_id", client.ID, "use_code", client.UseCode)
	}
	return nil
}
