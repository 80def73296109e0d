package state

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

func setupTestStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(8)
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping db: %v", err)
	}

	store := NewStore(db)
	if _, err := store.ApplyMigrations(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE provisioning_request_logs, provisioning_requests RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("reset database: %v", err)
	}
	return store
}

func TestStoreIntegrationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	req, err := store.Create(ctx, newRequest(t, "backend-a", catalog.ActionInstallKubernetes))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Transition(ctx, req.ID, StatusRunning, []string{"[start] install-kubernetes"}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := store.AppendLogs(ctx, req.ID, []string{"PLAY [all]", "TASK [Gathering Facts]"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	done, err := store.Transition(ctx, req.ID, StatusSucceeded, []string{"[success] done"})
	if err != nil {
		t.Fatalf("to succeeded: %v", err)
	}
	want := []string{"[start] install-kubernetes", "PLAY [all]", "TASK [Gathering Facts]", "[success] done"}
	if len(done.Logs) != len(want) {
		t.Fatalf("expected logs %v, got %v", want, done.Logs)
	}
	for i := range want {
		if done.Logs[i] != want[i] {
			t.Fatalf("expected logs %v, got %v", want, done.Logs)
		}
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Fatalf("expected timestamps, got %+v", done)
	}

	if err := store.AppendLogs(ctx, req.ID, []string{"late"}); !errors.Is(err, ErrLogsFrozen) {
		t.Fatalf("expected frozen logs, got %v", err)
	}
}

func TestStoreIntegrationConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	const workers = 8
	req := newRequest(t, "backend-a", catalog.ActionUninstallKubernetes)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 created and %d conflicts, got %d and %d", workers-1, created, conflicts)
	}

	active, err := store.FindActive(ctx, "backend-a", catalog.FamilyAddons, catalog.FamilyKubernetes)
	if err != nil || active == nil {
		t.Fatalf("expected active request, got %+v (%v)", active, err)
	}
}
