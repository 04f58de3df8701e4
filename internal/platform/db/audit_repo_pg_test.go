package db

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/fhir-gateway/internal/platform/middleware"
)

type fakeExecer struct {
	sql  string
	args []any
	tag  string
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func sampleEntry() middleware.AuditEntry {
	return middleware.AuditEntry{
		TenantID:     "HOSP-A",
		ResourceType: "Observation",
		ResourceID:   "42",
		PatientID:    "7",
		Action:       "read",
		Method:       "GET",
		Path:         "/api/observations/42",
		IPAddress:    "10.0.0.1",
		UserAgent:    "curl/8",
		RequestID:    "req-1",
		StatusCode:   200,
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAuditRepo_RecordAccess(t *testing.T) {
	exec := &fakeExecer{tag: "INSERT 0 1"}
	repo := NewAuditRepo(exec)

	if err := repo.RecordAccess(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(exec.sql, "gateway.tenant_access_audit") {
		t.Errorf("unexpected SQL: %s", exec.sql)
	}
	if len(exec.args) != 12 {
		t.Fatalf("expected 12 args, got %d", len(exec.args))
	}
	if exec.args[0] != "HOSP-A" {
		t.Errorf("expected tenant first, got %v", exec.args[0])
	}
	if exec.args[10] != 200 {
		t.Errorf("expected status 200, got %v", exec.args[10])
	}
}

func TestAuditRepo_ExecError(t *testing.T) {
	boom := errors.New("connection reset")
	repo := NewAuditRepo(&fakeExecer{err: boom})

	err := repo.RecordAccess(context.Background(), sampleEntry())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
}

func TestAuditRepo_NoRowsAffected(t *testing.T) {
	repo := NewAuditRepo(&fakeExecer{tag: "INSERT 0 0"})

	if err := repo.RecordAccess(context.Background(), sampleEntry()); err == nil {
		t.Fatal("expected an error when no row is inserted")
	}
}

func TestAuditRepo_Postgres(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, url, 2, 0)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	if _, err := NewMigrator(pool).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := NewAuditRepo(pool).RecordAccess(ctx, sampleEntry()); err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}

	var n int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM gateway.tenant_access_audit WHERE tenant_id = $1 AND request_id = $2`,
		"HOSP-A", "req-1").Scan(&n)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n < 1 {
		t.Errorf("expected at least one row, got %d", n)
	}
}
