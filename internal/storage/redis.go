package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andyleap/fincenter/internal/models"
	"github.com/redis/go-redis/v9"
)

// Expired codes are kept around this long past expiry so an exchange can
// still tell "expired" apart from "never existed".
const codeRetention = time.Hour

const maxReplaceAttempts = 5

// RedisStorage holds authorization codes in Redis.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{
		client: client,
	}
}

func codeKey(code string) string {
	return fmt.Sprintf("auth_code:%s", code)
}

func codeUsedKey(code string) string {
	return fmt.Sprintf("auth_code_used:%s", code)
}

func codeOwnerKey(clientID, subject string) string {
	return fmt.Sprintf("auth_code_owner:%s:%s", clientID, subject)
}

func (r *RedisStorage) SaveCode(ctx context.Context, code *models.AuthorizationCode) error {
	stored := *code
	stored.Used = false
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := time.Until(code.ExpiresAt) + codeRetention
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	ownerKey := codeOwnerKey(code.ClientID, code.Subject)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, codeKey(code.Code), data, ttl)
	pipe.SAdd(ctx, ownerKey, code.Code)
	pipe.Expire(ctx, ownerKey, ttl)
	if code.Used {
		pipe.Set(ctx, codeUsedKey(code.Code), "1", ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	return nil
}

func (r *RedisStorage) GetCode(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	data, err := r.client.Get(ctx, codeKey(code)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var authCode models.AuthorizationCode
	if err := json.Unmarshal([]byte(data), &authCode); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	used, err := r.client.Exists(ctx, codeUsedKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check authorization code state: %w", err)
	}
	authCode.Used = used > 0

	return &authCode, nil
}

func (r *RedisStorage) MarkCodeUsed(ctx context.Context, code string) (bool, error) {
	exists, err := r.client.Exists(ctx, codeKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check authorization code: %w", err)
	}
	if exists == 0 {
		return false, nil
	}

	// The marker must outlive the code itself.
	won, err := r.client.SetNX(ctx, codeUsedKey(code), "1", 2*codeRetention).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark authorization code used: %w", err)
	}
	return won, nil
}

// ReplaceCode watches the owner set so two concurrent replacements for the
// same (client, subject) cannot both leave a live code behind.
func (r *RedisStorage) ReplaceCode(ctx context.Context, code *models.AuthorizationCode) error {
	stored := *code
	stored.Used = false
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := time.Until(code.ExpiresAt) + codeRetention
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	ownerKey := codeOwnerKey(code.ClientID, code.Subject)
	replace := func(tx *redis.Tx) error {
		codes, err := tx.SMembers(ctx, ownerKey).Result()
		if err != nil {
			return fmt.Errorf("failed to list authorization codes: %w", err)
		}

		var stale []string
		for _, existing := range codes {
			used, err := tx.Exists(ctx, codeUsedKey(existing)).Result()
			if err != nil {
				return fmt.Errorf("failed to check authorization code state: %w", err)
			}
			if used == 0 {
				stale = append(stale, existing)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, existing := range stale {
				pipe.Del(ctx, codeKey(existing))
				pipe.SRem(ctx, ownerKey, existing)
			}
			pipe.Set(ctx, codeKey(code.Code), data, ttl)
			pipe.SAdd(ctx, ownerKey, code.Code)
			pipe.Expire(ctx, ownerKey, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxReplaceAttempts; attempt++ {
		err := r.client.Watch(ctx, replace, ownerKey)
		if err == nil {
			return nil
		}
		if err != redis.TxFailedErr {
			return fmt.Errorf("failed to replace authorization code: %w", err)
		}
	}
	return fmt.Errorf("failed to replace authorization code: owner set kept changing")
}
