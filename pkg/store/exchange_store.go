package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
)

var ErrExchangeNotFound = errors.New("exchange record not found")

type exchangeDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ExchangeStore persists exchange records. Structured fields (resources,
// params, chain, integrity metadata) live in JSONB columns so the record
// round-trips without per-field migrations.
type ExchangeStore struct {
	DB exchangeDB
}

const exchangeColumns = `id, provider_exchange_id, consumer_exchange_id, provider_endpoint,
	consumer_endpoint, contract, purpose_id, resources, provider_params, consumer_params,
	service_chain, provider_data, status, payload, created_at, updated_at`

func (s *ExchangeStore) Create(ctx context.Context, rec *models.ExchangeRecord) error {
	resources, providerParams, consumerParams, chain, providerData, err := marshalExchangeJSON(rec)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO dataexchanges (`+exchangeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, rec.ID, rec.ProviderExchangeID, rec.ConsumerExchangeID, rec.ProviderEndpoint,
		rec.ConsumerEndpoint, rec.Contract, rec.PurposeID, resources, providerParams,
		consumerParams, chain, providerData, rec.Status, rec.Payload, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *ExchangeStore) Update(ctx context.Context, rec *models.ExchangeRecord) error {
	resources, providerParams, consumerParams, chain, providerData, err := marshalExchangeJSON(rec)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE dataexchanges SET provider_exchange_id=$2, consumer_exchange_id=$3,
			provider_endpoint=$4, consumer_endpoint=$5, contract=$6, purpose_id=$7,
			resources=$8, provider_params=$9, consumer_params=$10, service_chain=$11,
			provider_data=$12, status=$13, payload=$14, updated_at=$15
		WHERE id=$1
	`, rec.ID, rec.ProviderExchangeID, rec.ConsumerExchangeID, rec.ProviderEndpoint,
		rec.ConsumerEndpoint, rec.Contract, rec.PurposeID, resources, providerParams,
		consumerParams, chain, providerData, rec.Status, rec.Payload, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, rec.ID)
	}
	return nil
}

func (s *ExchangeStore) Get(ctx context.Context, id string) (models.ExchangeRecord, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM dataexchanges WHERE id=$1`, id)
	return scanExchange(row)
}

// GetByProviderExchangeID resolves the local copy that references the
// given provider-side id, used by consumer import intake.
func (s *ExchangeStore) GetByProviderExchangeID(ctx context.Context, providerID string) (models.ExchangeRecord, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM dataexchanges WHERE provider_exchange_id=$1`, providerID)
	return scanExchange(row)
}

// GetByConsumerExchangeID resolves the local copy that references the
// given consumer-side id, used by the provider export trigger.
func (s *ExchangeStore) GetByConsumerExchangeID(ctx context.Context, consumerID string) (models.ExchangeRecord, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM dataexchanges WHERE consumer_exchange_id=$1`, consumerID)
	return scanExchange(row)
}

func (s *ExchangeStore) List(ctx context.Context, limit int) ([]models.ExchangeRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `SELECT `+exchangeColumns+` FROM dataexchanges ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ExchangeRecord
	for rows.Next() {
		rec, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func marshalExchangeJSON(rec *models.ExchangeRecord) (resources, providerParams, consumerParams, chain, providerData []byte, err error) {
	if resources, err = json.Marshal(rec.Resources); err != nil {
		return
	}
	if providerParams, err = json.Marshal(rec.ProviderParams); err != nil {
		return
	}
	if consumerParams, err = json.Marshal(rec.ConsumerParams); err != nil {
		return
	}
	if rec.ServiceChain != nil {
		if chain, err = json.Marshal(rec.ServiceChain); err != nil {
			return
		}
	}
	if rec.ProviderData != nil {
		providerData, err = json.Marshal(rec.ProviderData)
	}
	return
}

func scanExchange(row pgx.Row) (models.ExchangeRecord, error) {
	var rec models.ExchangeRecord
	var resources, providerParams, consumerParams, chain, providerData []byte
	var createdAt, updatedAt time.Time
	err := row.Scan(&rec.ID, &rec.ProviderExchangeID, &rec.ConsumerExchangeID,
		&rec.ProviderEndpoint, &rec.ConsumerEndpoint, &rec.Contract, &rec.PurposeID,
		&resources, &providerParams, &consumerParams, &chain, &providerData,
		&rec.Status, &rec.Payload, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrExchangeNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	if len(resources) > 0 {
		if err := json.Unmarshal(resources, &rec.Resources); err != nil {
			return rec, err
		}
	}
	if len(providerParams) > 0 {
		if err := json.Unmarshal(providerParams, &rec.ProviderParams); err != nil {
			return rec, err
		}
	}
	if len(consumerParams) > 0 {
		if err := json.Unmarshal(consumerParams, &rec.ConsumerParams); err != nil {
			return rec, err
		}
	}
	if len(chain) > 0 {
		rec.ServiceChain = &models.ServiceChain{}
		if err := json.Unmarshal(chain, rec.ServiceChain); err != nil {
			return rec, err
		}
	}
	if len(providerData) > 0 {
		rec.ProviderData = &models.PayloadData{}
		if err := json.Unmarshal(providerData, rec.ProviderData); err != nil {
			return rec, err
		}
	}
	return rec, nil
}
