package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
)

var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore resolves opaque credential ids to auth strategies.
type CredentialStore struct {
	DB exchangeDB
}

func (s *CredentialStore) Get(ctx context.Context, id string) (models.Credential, error) {
	var cred models.Credential
	var credType string
	var s3Raw []byte
	var createdAt time.Time
	row := s.DB.QueryRow(ctx, `
		SELECT id, type, key, value, s3, proxy_url, created_at
		FROM credentials WHERE id=$1
	`, id)
	err := row.Scan(&cred.ID, &credType, &cred.Key, &cred.Value, &s3Raw, &cred.ProxyURL, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cred, ErrCredentialNotFound
	}
	if err != nil {
		return cred, err
	}
	cred.Type = models.CredentialType(credType)
	cred.CreatedAt = createdAt
	if len(s3Raw) > 0 {
		cred.S3 = &models.S3Credential{}
		if err := json.Unmarshal(s3Raw, cred.S3); err != nil {
			return cred, err
		}
	}
	return cred, nil
}

func (s *CredentialStore) Put(ctx context.Context, cred *models.Credential) error {
	var s3Raw []byte
	if cred.S3 != nil {
		b, err := json.Marshal(cred.S3)
		if err != nil {
			return err
		}
		s3Raw = b
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO credentials (id, type, key, value, s3, proxy_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET type=$2, key=$3, value=$4, s3=$5, proxy_url=$6
	`, cred.ID, string(cred.Type), cred.Key, cred.Value, s3Raw, cred.ProxyURL, cred.CreatedAt)
	return err
}
