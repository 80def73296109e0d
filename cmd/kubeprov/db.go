package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// openDB connects to Postgres, retrying the initial ping while the database
// comes up.
func openDB(ctx context.Context, databaseURL string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(500*time.Millisecond, 10*time.Second).
		WithMaxRetries(8).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			logger.Warn("database not ready", "event", "db_ping_retry", "attempt", e.Attempts(), "error", e.LastError())
		}).
		Build()

	err = failsafe.With[any](retry).WithContext(ctx).Run(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return db, nil
}
