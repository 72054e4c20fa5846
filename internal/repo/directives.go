package repo

import (
	"context"
	"database/sql"
	"fmt"

	"signaline/internal/domain"
	"signaline/internal/payload"
)

const directiveColumns = `rowid, id, tenant, name, COALESCE(subject,''), payload_json, COALESCE(idempotency_key,''), state, attempt, max_attempts, COALESCE(requested_by,''), result_json, COALESCE(error,''), run_after, requested_at, started_at, finished_at, updated_at`

func scanDirective(row interface{ Scan(...any) error }) (domain.Directive, error) {
	var d domain.Directive
	var payloadJSON string
	var resultJSON, startedAt, finishedAt sql.NullString
	var state string
	err := row.Scan(&d.Seq, &d.ID, &d.Tenant, &d.Name, &d.Subject, &payloadJSON, &d.IdempotencyKey, &state,
		&d.Attempt, &d.MaxAttempts, &d.RequestedBy, &resultJSON, &d.Error, &d.RunAfter,
		&d.RequestedAt, &startedAt, &finishedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.State = domain.DirectiveState(state)
	if d.Payload, err = payload.Unmarshal(payloadJSON); err != nil {
		return d, err
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if d.Result, err = payload.Unmarshal(resultJSON.String); err != nil {
			return d, err
		}
	}
	if startedAt.Valid {
		d.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		d.FinishedAt = &finishedAt.String
	}
	return d, nil
}

// InsertDirective creates a directive. When d.IdempotencyKey is set and a row
// with the same (tenant, name, idempotency_key) exists, the existing row is
// returned in whatever state it is in and created reports false.
func (r Repo) InsertDirective(ctx context.Context, d domain.Directive) (domain.Directive, bool, error) {
	payloadJSON, err := payload.Marshal(d.Payload)
	if err != nil {
		return domain.Directive{}, false, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO directives(id,tenant,name,subject,payload_json,idempotency_key,state,attempt,max_attempts,requested_by,run_after,requested_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Tenant, d.Name, nullable(d.Subject), payloadJSON, nullable(d.IdempotencyKey), string(d.State),
		d.Attempt, d.MaxAttempts, nullable(d.RequestedBy), d.RunAfter, d.RequestedAt, d.UpdatedAt)
	if err != nil {
		return domain.Directive{}, false, fmt.Errorf("insert directive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Directive{}, false, err
	}
	if n == 0 {
		existing, err := r.getDirectiveByIdempotencyKey(ctx, d.Tenant, d.Name, d.IdempotencyKey)
		if err != nil {
			return domain.Directive{}, false, fmt.Errorf("load idempotent directive: %w", err)
		}
		return existing, false, nil
	}
	inserted, err := r.GetDirective(ctx, d.Tenant, d.ID)
	if err != nil {
		return domain.Directive{}, false, err
	}
	return inserted, true, nil
}

// GetDirective returns one directive, scoped to tenant.
func (r Repo) GetDirective(ctx context.Context, tenant, id string) (domain.Directive, error) {
	return scanDirective(r.DB.QueryRowContext(ctx,
		`SELECT `+directiveColumns+` FROM directives WHERE tenant=? AND id=?`, tenant, id))
}

func (r Repo) getDirectiveByIdempotencyKey(ctx context.Context, tenant, name, key string) (domain.Directive, error) {
	return scanDirective(r.DB.QueryRowContext(ctx,
		`SELECT `+directiveColumns+` FROM directives WHERE tenant=? AND name=? AND idempotency_key=?`, tenant, name, key))
}

// getDirectiveAnyTenant is the runner-internal read; workers claim across
// tenants, every caller-facing path stays tenant scoped.
func (r Repo) getDirectiveAnyTenant(ctx context.Context, id string) (domain.Directive, error) {
	return scanDirective(r.DB.QueryRowContext(ctx,
		`SELECT `+directiveColumns+` FROM directives WHERE id=?`, id))
}

// DueDirectiveIDs returns ids of directives eligible to run at now, oldest
// due first. Candidates only; ownership is taken by ClaimDirective.
func (r Repo) DueDirectiveIDs(ctx context.Context, now string, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM directives WHERE state IN (?,?) AND run_after<=? ORDER BY run_after ASC LIMIT ?`,
		string(domain.StateRequested), string(domain.StateScheduled), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimDirective attempts the atomic requested|scheduled -> running move.
// The guard on current state and run_after means exactly one of any number of
// racing workers wins; everyone else gets claimed=false. A stray claim on a
// terminal directive falls through the same guard and is a no-op.
func (r Repo) ClaimDirective(ctx context.Context, id, now string) (domain.Directive, bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE directives SET state=?, attempt=attempt+1, started_at=COALESCE(started_at,?), updated_at=? WHERE id=? AND state IN (?,?) AND run_after<=?`,
		string(domain.StateRunning), now, now, id, string(domain.StateRequested), string(domain.StateScheduled), now)
	if err != nil {
		return domain.Directive{}, false, fmt.Errorf("claim directive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Directive{}, false, err
	}
	if n == 0 {
		return domain.Directive{}, false, nil
	}
	d, err := r.getDirectiveAnyTenant(ctx, id)
	if err != nil {
		return domain.Directive{}, false, err
	}
	return d, true, nil
}

// MarkDirectiveSucceeded finishes a running directive with its result.
func (r Repo) MarkDirectiveSucceeded(ctx context.Context, id string, result map[string]any, now string) (bool, error) {
	resultJSON, err := payload.Marshal(result)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE directives SET state=?, result_json=?, finished_at=?, updated_at=? WHERE id=? AND state=?`,
		string(domain.StateSucceeded), resultJSON, now, now, id, string(domain.StateRunning))
	if err != nil {
		return false, fmt.Errorf("mark succeeded: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkDirectiveRetry returns a running directive to scheduled with run_after
// advanced for the next attempt.
func (r Repo) MarkDirectiveRetry(ctx context.Context, id, errMsg, runAfter, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE directives SET state=?, error=?, run_after=?, updated_at=? WHERE id=? AND state=?`,
		string(domain.StateScheduled), errMsg, runAfter, now, id, string(domain.StateRunning))
	if err != nil {
		return false, fmt.Errorf("mark retry: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkDirectiveFailed terminally fails a running directive.
func (r Repo) MarkDirectiveFailed(ctx context.Context, id, errMsg, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE directives SET state=?, error=?, finished_at=?, updated_at=? WHERE id=? AND state=?`,
		string(domain.StateFailed), errMsg, now, now, id, string(domain.StateRunning))
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelDirective cancels a directive that has not been claimed yet. The
// conditional update is the conflict check: zero rows means the directive was
// running, terminal, or missing.
func (r Repo) CancelDirective(ctx context.Context, tenant, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE directives SET state=?, finished_at=?, updated_at=? WHERE tenant=? AND id=? AND state IN (?,?)`,
		string(domain.StateCanceled), now, now, tenant, id, string(domain.StateRequested), string(domain.StateScheduled))
	if err != nil {
		return false, fmt.Errorf("cancel directive: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RerunDirective returns a terminal directive to requested with a raised
// attempt budget. Attempt itself is never reset.
func (r Repo) RerunDirective(ctx context.Context, tenant, id string, maxAttempts int, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE directives SET state=?, max_attempts=?, run_after=?, finished_at=NULL, updated_at=? WHERE tenant=? AND id=? AND state IN (?,?,?)`,
		string(domain.StateRequested), maxAttempts, now, now, tenant, id,
		string(domain.StateSucceeded), string(domain.StateFailed), string(domain.StateCanceled))
	if err != nil {
		return false, fmt.Errorf("rerun directive: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DirectiveFilter narrows ListDirectives. Tenant is required.
type DirectiveFilter struct {
	Tenant  string
	Name    string
	Subject string
	State   string
	Since   string
	Limit   int
	Cursor  int64
}

// ListDirectives returns newest-first directives for a tenant.
func (r Repo) ListDirectives(ctx context.Context, f DirectiveFilter) ([]domain.Directive, error) {
	if f.Tenant == "" {
		return nil, domain.ValidationError{Field: "tenant", Reason: "required"}
	}
	query := `SELECT ` + directiveColumns + ` FROM directives WHERE tenant=?`
	args := []any{f.Tenant}
	if f.Name != "" {
		query += ` AND name=?`
		args = append(args, f.Name)
	}
	if f.Subject != "" {
		query += ` AND subject=?`
		args = append(args, f.Subject)
	}
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, f.State)
	}
	if f.Since != "" {
		query += ` AND requested_at>=?`
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
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountDirectivesByState returns per-state counts for a tenant.
func (r Repo) CountDirectivesByState(ctx context.Context, tenant string) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM directives WHERE tenant=? GROUP BY state`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int64{}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
