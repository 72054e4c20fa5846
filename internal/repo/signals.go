package repo

import (
	"context"
	"database/sql"
	"fmt"

	"signaline/internal/domain"
	"signaline/internal/payload"
)

const signalColumns = `rowid, id, tenant, name, occurred_at, COALESCE(subject,''), payload_json, metadata_json, COALESCE(dedupe_key,''), created_at`

func scanSignal(row interface{ Scan(...any) error }) (domain.Signal, error) {
	var s domain.Signal
	var payloadJSON, metadataJSON string
	err := row.Scan(&s.Seq, &s.ID, &s.Tenant, &s.Name, &s.OccurredAt, &s.Subject, &payloadJSON, &metadataJSON, &s.DedupeKey, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.Payload, err = payload.Unmarshal(payloadJSON); err != nil {
		return s, err
	}
	if s.Metadata, err = payload.Unmarshal(metadataJSON); err != nil {
		return s, err
	}
	return s, nil
}

// InsertSignal appends a signal. When s.DedupeKey is set and a row with the
// same (tenant, dedupe_key) already exists, the existing row is returned
// unchanged and created reports false. The insert-or-return is a single
// INSERT OR IGNORE against the partial unique index, so it stays correct
// under concurrent emitters.
func (r Repo) InsertSignal(ctx context.Context, s domain.Signal) (domain.Signal, bool, error) {
	payloadJSON, err := payload.Marshal(s.Payload)
	if err != nil {
		return domain.Signal{}, false, err
	}
	metadataJSON, err := payload.Marshal(s.Metadata)
	if err != nil {
		return domain.Signal{}, false, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO signals(id,tenant,name,occurred_at,subject,payload_json,metadata_json,dedupe_key,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Tenant, s.Name, s.OccurredAt, nullable(s.Subject), payloadJSON, metadataJSON, nullable(s.DedupeKey), s.CreatedAt)
	if err != nil {
		return domain.Signal{}, false, fmt.Errorf("insert signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Signal{}, false, err
	}
	if n == 0 {
		existing, err := r.GetSignalByDedupeKey(ctx, s.Tenant, s.DedupeKey)
		if err != nil {
			return domain.Signal{}, false, fmt.Errorf("load deduped signal: %w", err)
		}
		return existing, false, nil
	}
	inserted, err := r.GetSignal(ctx, s.Tenant, s.ID)
	if err != nil {
		return domain.Signal{}, false, err
	}
	return inserted, true, nil
}

// GetSignal returns one signal, scoped to tenant.
func (r Repo) GetSignal(ctx context.Context, tenant, id string) (domain.Signal, error) {
	return scanSignal(r.DB.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE tenant=? AND id=?`, tenant, id))
}

// GetSignalByDedupeKey returns the signal for (tenant, dedupe_key).
func (r Repo) GetSignalByDedupeKey(ctx context.Context, tenant, key string) (domain.Signal, error) {
	return scanSignal(r.DB.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE tenant=? AND dedupe_key=?`, tenant, key))
}

// SignalFilter narrows ListSignals. Tenant is required.
type SignalFilter struct {
	Tenant  string
	Name    string
	Subject string
	Since   string
	Limit   int
	Cursor  int64
}

// ListSignals returns newest-first signals for a tenant.
func (r Repo) ListSignals(ctx context.Context, f SignalFilter) ([]domain.Signal, error) {
	if f.Tenant == "" {
		return nil, domain.ValidationError{Field: "tenant", Reason: "required"}
	}
	query := `SELECT ` + signalColumns + ` FROM signals WHERE tenant=?`
	args := []any{f.Tenant}
	if f.Name != "" {
		query += ` AND name=?`
		args = append(args, f.Name)
	}
	if f.Subject != "" {
		query += ` AND subject=?`
		args = append(args, f.Subject)
	}
	if f.Since != "" {
		query += ` AND occurred_at>=?`
		args = append(args, f.Since)
	}
	if f.Cursor > 0 {
		query += ` AND rowid<?`
		args = append(args, f.Cursor)
	}
	query += ` ORDER BY rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SignalsAfter returns signals with rowid greater than cursor, oldest first.
// The webhook forwarder tails the table with it.
func (r Repo) SignalsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Signal, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE rowid>? ORDER BY rowid ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountSignals returns the number of signals for a tenant.
func (r Repo) CountSignals(ctx context.Context, tenant string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals WHERE tenant=?`, tenant).Scan(&n)
	return n, err
}
