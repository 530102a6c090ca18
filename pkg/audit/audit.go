package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends one row per exchange status transition. Records are
// retained indefinitely; this subsystem never deletes them.
type Writer struct {
	DB auditDB
}

type Entry struct {
	ExchangeID string
	FromStatus string
	ToStatus   string
	Origin     string
	Payload    string
	CreatedAt  time.Time
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO exchange_audit (exchange_id, from_status, to_status, origin, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.ExchangeID, e.FromStatus, e.ToStatus, e.Origin, e.Payload, e.CreatedAt)
	return err
}

// Trail returns the transitions of one exchange in order of occurrence.
func (w *Writer) Trail(ctx context.Context, exchangeID string) ([]Entry, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT exchange_id, from_status, to_status, origin, payload, created_at
		FROM exchange_audit WHERE exchange_id=$1 ORDER BY created_at ASC
	`, exchangeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ExchangeID, &e.FromStatus, &e.ToStatus, &e.Origin, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
