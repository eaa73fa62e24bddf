package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andyleap/fincenter/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Storage keeps client records as clients/<id>.json objects in a bucket.
type S3Storage struct {
	client *minio.Client
	bucket string
}

func NewS3Storage(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3Storage{
		client: client,
		bucket: bucket,
	}, nil
}

func clientObjectKey(clientID string) string {
	return fmt.Sprintf("clients/%s.json", clientID)
}

func (s *S3Storage) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	object, err := s.client.GetObject(ctx, s.bucket, clientObjectKey(clientID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get client from S3: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read client data: %w", err)
	}

	var client models.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &client, nil
}

func (s *S3Storage) SaveClient(ctx context.Context, client *models.Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, clientObjectKey(client.ID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to save client to S3: %w", err)
	}

	return nil
}

func (s *S3Storage) ClientExists(ctx context.Context, clientID string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, clientObjectKey(clientID), minio.StatObjectOptions{})
	if err != nil {
		// Check if it's a "not found" error
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if client exists: %w", err)
	}

	return true, nil
}
