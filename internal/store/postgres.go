package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"payroll-batch-processor/internal/models"
)

// Store wraps pgxpool for Postgres persistence of employees, payroll records and audit rows.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ListActiveEmployees returns the tenant's active employees, restricted to ids when non-empty.
func (s *Store) ListActiveEmployees(ctx context.Context, tenantID string, ids []string) ([]models.EmployeeSalarySnapshot, error) {
	query := `
		SELECT id, code, gross_salary FROM employees
		WHERE tenant_id = $1 AND status = 'active'`
	args := []any{tenantID}
	if len(ids) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, ids)
	}
	query += ` ORDER BY code`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query employees: %w", err)
	}
	defer rows.Close()

	var out []models.EmployeeSalarySnapshot
	for rows.Next() {
		var emp models.EmployeeSalarySnapshot
		var gross pgtype.Float8
		if err := rows.Scan(&emp.ID, &emp.Code, &gross); err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		if gross.Valid {
			v := gross.Float64
			emp.GrossSalary = &v
		}
		out = append(out, emp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate employees: %w", err)
	}
	return out, nil
}

// PayrollExists reports whether a payroll record already exists for key.
func (s *Store) PayrollExists(ctx context.Context, key models.PayrollKey) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payroll_records
			WHERE tenant_id = $1 AND employee_id = $2 AND month = $3 AND year = $4
		)
	`, key.TenantID, key.EmployeeID, key.Month, key.Year).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check payroll record %s: %w", key, err)
	}
	return exists, nil
}

// CreatePayroll inserts rec unless its key already exists. created is false when another
// writer got there first.
func (s *Store) CreatePayroll(ctx context.Context, rec models.PayrollRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	breakdown, err := json.Marshal(rec.Breakdown)
	if err != nil {
		return false, fmt.Errorf("marshal breakdown: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payroll_records (id, tenant_id, employee_id, employee_code, month, year, breakdown,
			gross_salary, net_salary, status, processed_by, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, employee_id, month, year) DO NOTHING
	`, rec.ID, rec.TenantID, rec.EmployeeID, rec.EmployeeCode, rec.Month, rec.Year, breakdown,
		rec.Breakdown.Gross, rec.Breakdown.Net, rec.Status, rec.ProcessedBy, rec.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("insert payroll record %s: %w", rec.Key(), err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (tenant_id, actor, action, resource, detail, ts)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
	`, e.TenantID, e.Actor, e.Action, e.Resource, e.Detail, nullTime(e))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func nullTime(e models.AuditEntry) pgtype.Timestamptz {
	if e.RecordedAt.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: e.RecordedAt, Valid: true}
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
