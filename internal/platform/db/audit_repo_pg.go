package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/fhir-gateway/internal/platform/middleware"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditRepo writes tenant access entries to gateway.tenant_access_audit.
type AuditRepo struct {
	db Execer
}

func NewAuditRepo(db Execer) *AuditRepo {
	return &AuditRepo{db: db}
}

const insertAccessSQL = `INSERT INTO gateway.tenant_access_audit
    (tenant_id, resource_type, resource_id, patient_id, action, method, path,
     ip_address, user_agent, request_id, status_code, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// RecordAccess implements middleware.AuditRecorder.
func (r *AuditRepo) RecordAccess(ctx context.Context, e middleware.AuditEntry) error {
	tag, err := r.db.Exec(ctx, insertAccessSQL,
		e.TenantID, e.ResourceType, e.ResourceID, e.PatientID, e.Action, e.Method, e.Path,
		e.IPAddress, e.UserAgent, e.RequestID, e.StatusCode, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert tenant access: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("insert tenant access: %d rows affected", tag.RowsAffected())
	}
	return nil
}
