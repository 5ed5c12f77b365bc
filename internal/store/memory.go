package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"payroll-batch-processor/internal/models"
)

// Memory is an in-process implementation of the payroll collaborators, used by
// tests and local runs without Postgres.
type Memory struct {
	mu        sync.Mutex
	employees map[string][]memEmployee
	records   map[models.PayrollKey]models.PayrollRecord
	audit     []models.AuditEntry
	auditErr  error
}

type memEmployee struct {
	snapshot models.EmployeeSalarySnapshot
	active   bool
}

func NewMemory() *Memory {
	return &Memory{
		employees: make(map[string][]memEmployee),
		records:   make(map[models.PayrollKey]models.PayrollRecord),
	}
}

// AddEmployee registers an employee of tenantID. gross may be nil to simulate a missing salary.
func (m *Memory) AddEmployee(tenantID, id, code string, gross *float64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[tenantID] = append(m.employees[tenantID], memEmployee{
		snapshot: models.EmployeeSalarySnapshot{ID: id, Code: code, GrossSalary: gross},
		active:   active,
	})
}

// FailAudit makes every subsequent AppendAudit return err.
func (m *Memory) FailAudit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditErr = err
}

func (m *Memory) ListActiveEmployees(_ context.Context, tenantID string, ids []string) ([]models.EmployeeSalarySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []models.EmployeeSalarySnapshot
	for _, e := range m.employees[tenantID] {
		if !e.active {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[e.snapshot.ID]; !ok {
				continue
			}
		}
		out = append(out, e.snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) PayrollExists(_ context.Context, key models.PayrollKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	return ok, nil
}

func (m *Memory) CreatePayroll(_ context.Context, rec models.PayrollRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Key()
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	m.records[key] = rec
	return true, nil
}

func (m *Memory) AppendAudit(_ context.Context, e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return m.auditErr
	}
	m.audit = append(m.audit, e)
	return nil
}

// Records returns every stored payroll record.
func (m *Memory) Records() []models.PayrollRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PayrollRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

// AuditEntries returns a copy of the audit trail.
func (m *Memory) AuditEntries() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.audit...)
}
