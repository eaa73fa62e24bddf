package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andyleap/fincenter/internal/aggregate"
	"github.com/andyleap/fincenter/internal/api"
	"github.com/andyleap/fincenter/internal/ident"
	"github.com/andyleap/fincenter/internal/oauth"
	"github.com/andyleap/fincenter/internal/storage"
)

type persistence interface {
	storage.TokenStorage
	storage.ConsentStorage
	storage.TransactionStorage
}

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.Security.Dev {
		fillDevKeys(cfg)
	}

	// Setup client storage
	var clientStorage storage.ClientStorage
	switch cfg.ClientStore {
	case "s3":
		s3Storage, err := storage.NewS3Storage(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
		if err != nil {
			slog.Error("Failed to create S3 storage", "error", err)
			os.Exit(1)
		}
		clientStorage = s3Storage
		slog.Info("Using S3 client storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	case "filesystem":
		fsStorage, err := storage.NewFilesystemStorage(cfg.DataPath)
		if err != nil {
			slog.Error("Failed to create filesystem storage", "error", err)
			os.Exit(1)
		}
		clientStorage = fsStorage
		slog.Info("Using filesystem client storage", "path", cfg.DataPath)
	default:
		slog.Error("Invalid CLIENT_STORE", "mode", cfg.ClientStore, "valid_modes", []string{"s3", "filesystem"})
		os.Exit(1)
	}

	// Setup token, consent and transaction log storage
	var store persistence
	switch cfg.DBDriver {
	case "memory":
		store = storage.NewMemoryStorage()
		slog.Warn("Using in-memory token, consent and transaction storage (not persistent)")
	default:
		sqlStorage, err := storage.OpenSQL(ctx, cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			slog.Error("Failed to open database", "driver", cfg.DBDriver, "error", err)
			os.Exit(1)
		}
		defer sqlStorage.Close()
		if err := sqlStorage.CreateSchema(ctx); err != nil {
			slog.Error("Failed to create schema", "error", err)
			os.Exit(1)
		}
		store = sqlStorage
		slog.Info("Using SQL storage", "driver", cfg.DBDriver)
	}

	// Setup authorization code storage
	var codeStorage storage.CodeStorage
	switch cfg.CodeStore {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}

		codeStorage = storage.NewRedisStorage(redisClient)
		slog.Info("Using Redis authorization codes", "addr", cfg.Redis.Addr)
	case "memory":
		codeStorage = storage.NewMemoryStorage()
		slog.Warn("Using in-memory authorization codes (not persistent)")
	default:
		slog.Error("Invalid CODE_STORE", "mode", cfg.CodeStore, "valid_modes", []string{"redis", "memory"})
		os.Exit(1)
	}

	if cfg.Aggregation.ClientsFile != "" {
		if err := SeedClients(ctx, cfg.Aggregation.ClientsFile, clientStorage); err != nil {
			slog.Error("Failed to provision clients", "error", err)
			os.Exit(1)
		}
	}

	institutions, err := LoadInstitutions(cfg.Aggregation.InstitutionsFile)
	if err != nil {
		slog.Error("Failed to load institutions", "error", err)
		os.Exit(1)
	}

	// Setup services
	txIDs, err := ident.NewTransactionIDGenerator(store, cfg.UseCode, ident.WithLogger(logger))
	if err != nil {
		slog.Error("Failed to create transaction id generator", "error", err)
		os.Exit(1)
	}

	signer, err := oauth.NewSigner([]byte(cfg.Security.SigningKey), cfg.Issuer)
	if err != nil {
		slog.Error("Failed to create token signer", "error", err)
		os.Exit(1)
	}

	oauthService, err := oauth.NewService(oauth.Options{
		Registry:   oauth.NewRegistry(clientStorage),
		Codes:      codeStorage,
		Tokens:     store,
		Signer:     signer,
		TxIDs:      txIDs,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("Failed to create OAuth service", "error", err)
		os.Exit(1)
	}

	caller := aggregate.NewHTTPCaller(&http.Client{Timeout: cfg.Aggregation.InstitutionTimeout}, cfg.Security.InstitutionAPIKey, cfg.UseCode)
	proxy, err := aggregate.NewProxy(aggregate.ProxyOptions{
		Caller:       caller,
		Consents:     store,
		Institutions: institutions,
		TxIDs:        txIDs,
		PoolSize:     cfg.Aggregation.PoolSize,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create aggregation proxy", "error", err)
		os.Exit(1)
	}

	ci := ident.NewCIDeriver([]byte(cfg.Security.CISecretAttribute), []byte(cfg.Security.CIHMACKey))
	if cfg.Security.MockCI {
		slog.Warn("Mock CI mode enabled: phone numbers are accepted in place of identifiers")
	}

	apiServer := api.NewServer(oauthService, proxy, ci, cfg.Security.MockCI)

	// Create HTTP server
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(apiServer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("Financial data center starting on http://localhost:%s\n", cfg.Port)
	fmt.Println("OAuth endpoints:")
	fmt.Println("  GET  /oauth/2.0/authorize   - Authorization (auth_type 0, 1 or 2)")
	fmt.Println("  POST /oauth/2.0/token       - authorization_code, refresh_token, client_credentials")
	fmt.Println("  POST /oauth/2.0/introspect  - Token validity")
	fmt.Println("  POST /oauth/2.0/revoke      - Token revocation")
	fmt.Println("API endpoints:")
	fmt.Println("  GET  /v2.0/user/me          - Aggregated user information")
	fmt.Println("  POST /v2.0/user/link        - Institution discovery and linking")
	fmt.Println("  GET  /health                - Health check")
	fmt.Printf("Institutions configured: %d\n", len(institutions))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
		}
	}
}

// fillDevKeys generates throwaway key material for anything left unset.
func fillDevKeys(cfg *Config) {
	for name, value := range map[string]*string{
		"signing-key":         &cfg.Security.SigningKey,
		"ci-secret-attribute": &cfg.Security.CISecretAttribute,
		"ci-hmac-key":         &cfg.Security.CIHMACKey,
		"institution-api-key": &cfg.Security.InstitutionAPIKey,
	} {
		if *value != "" {
			continue
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			slog.Error("Failed to generate dev key", "name", name, "error", err)
			os.Exit(1)
		}
		*value = hex.EncodeToString(buf)
		slog.Warn("Generated throwaway key", "name", name)
	}
}
