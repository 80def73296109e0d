package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

const uniqueViolation = "23505"

const requestColumns = `id, target_id, target_kind, action, family, status, created_at, updated_at, started_at, finished_at`

// Store is the Postgres-backed Ledger.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ Ledger = (*Store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (ProvisioningRequest, error) {
	var req ProvisioningRequest
	err := row.Scan(
		&req.ID,
		&req.TargetID,
		&req.TargetKind,
		&req.Action,
		&req.Family,
		&req.Status,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.StartedAt,
		&req.FinishedAt,
	)
	return req, err
}

// Create serializes creators per target with a transaction-scoped advisory
// lock, then checks for active requests in the request's families. The
// partial unique index on (target_id, family) backs the check up.
func (s *Store) Create(ctx context.Context, req NewRequest) (ProvisioningRequest, error) {
	if err := req.validate(); err != nil {
		return ProvisioningRequest{}, err
	}

	var created ProvisioningRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.TargetID); err != nil {
			return fmt.Errorf("lock target %s: %w", req.TargetID, err)
		}

		active, err := findActive(ctx, tx, req.TargetID, req.families())
		if err != nil {
			return err
		}
		if active != nil {
			return ConflictError{TargetID: req.TargetID, Family: active.Family, ActiveID: active.ID, Action: active.Action}
		}

		row := tx.QueryRowContext(ctx, `
INSERT INTO provisioning_requests (target_id, target_kind, action, family, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+requestColumns, req.TargetID, req.TargetKind, req.Action, req.Family, StatusPending)
		created, err = scanRequest(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ConflictError{TargetID: req.TargetID, Family: req.Family}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return ProvisioningRequest{}, err
	}
	return created, nil
}

// Transition enforces the documented request state machine using row-level locking.
func (s *Store) Transition(ctx context.Context, id int64, next RequestStatus, lines []string) (ProvisioningRequest, error) {
	var updated ProvisioningRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := validateTransition(id, current, next); err != nil {
			return err
		}

		query := `UPDATE provisioning_requests SET status = $2, updated_at = NOW()`
		switch {
		case next == StatusRunning:
			query += `, started_at = NOW()`
		case next.Terminal():
			query += `, finished_at = NOW()`
		}
		if _, err := tx.ExecContext(ctx, query+` WHERE id = $1`, id, next); err != nil {
			return err
		}

		// Lines are written before commit so a terminal row never gains output later.
		if err := appendLines(ctx, tx, id, lines); err != nil {
			return err
		}

		updated, err = getRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		updated.Logs, err = loadLogs(ctx, tx, id)
		return err
	})
	if err != nil {
		return ProvisioningRequest{}, err
	}
	return updated, nil
}

// AppendLogs streams output into a RUNNING request.
func (s *Store) AppendLogs(ctx context.Context, id int64, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if current != StatusRunning {
			return fmt.Errorf("%w: request %d is %s", ErrLogsFrozen, id, current)
		}
		return appendLines(ctx, tx, id, lines)
	})
}

// FindActive returns the newest PENDING/RUNNING request for the target.
func (s *Store) FindActive(ctx context.Context, targetID string, families ...catalog.Family) (*ProvisioningRequest, error) {
	return findActive(ctx, s.db, targetID, families)
}

// Get returns a single request with its logs.
func (s *Store) Get(ctx context.Context, id int64) (ProvisioningRequest, error) {
	req, err := getRequest(ctx, s.db, id)
	if err != nil {
		return ProvisioningRequest{}, err
	}
	req.Logs, err = loadLogs(ctx, s.db, id)
	if err != nil {
		return ProvisioningRequest{}, err
	}
	return req, nil
}

// ListAll returns requests ordered by created_at descending.
func (s *Store) ListAll(ctx context.Context, filter ListFilter) ([]ProvisioningRequest, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conditions = append(conditions, fmt.Sprintf("target_kind = $%d", len(args)))
	}
	if filter.TargetID != "" {
		args = append(args, filter.TargetID)
		conditions = append(conditions, fmt.Sprintf("target_id = $%d", len(args)))
	}

	query := `SELECT ` + requestColumns + ` FROM provisioning_requests`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []ProvisioningRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.WithLogs {
		for i := range requests {
			requests[i].Logs, err = loadLogs(ctx, s.db, requests[i].ID)
			if err != nil {
				return nil, err
			}
		}
	}
	return requests, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lockStatus(ctx context.Context, tx *sql.Tx, id int64) (RequestStatus, error) {
	var current RequestStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM provisioning_requests WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: provisioning request %d", ErrNotFound, id)
		}
		return "", err
	}
	return current, nil
}

func getRequest(ctx context.Context, q querier, id int64) (ProvisioningRequest, error) {
	req, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM provisioning_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProvisioningRequest{}, fmt.Errorf("%w: provisioning request %d", ErrNotFound, id)
		}
		return ProvisioningRequest{}, err
	}
	return req, nil
}

func findActive(ctx context.Context, q querier, targetID string, families []catalog.Family) (*ProvisioningRequest, error) {
	args := []any{targetID, StatusPending, StatusRunning}
	query := `SELECT ` + requestColumns + `
FROM provisioning_requests
WHERE target_id = $1 AND status IN ($2, $3)`
	if len(families) > 0 {
		placeholders := make([]string, 0, len(families))
		for _, family := range families {
			args = append(args, family)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += ` AND family IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += `
ORDER BY created_at DESC, id DESC
LIMIT 1`

	req, err := scanRequest(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func appendLines(ctx context.Context, tx *sql.Tx, id int64, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	var last int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM provisioning_request_logs WHERE request_id = $1`, id).Scan(&last); err != nil {
		return err
	}

	args := make([]any, 0, len(lines)*3)
	values := make([]string, 0, len(lines))
	for i, line := range lines {
		args = append(args, id, last+i+1, line)
		n := len(args)
		values = append(values, fmt.Sprintf("($%d, $%d, $%d)", n-2, n-1, n))
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO provisioning_request_logs (request_id, seq, line) VALUES `+strings.Join(values, ", "), args...)
	return err
}

func loadLogs(ctx context.Context, q querier, id int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT line FROM provisioning_request_logs WHERE request_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
