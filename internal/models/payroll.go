package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRequest marks a payroll run request that cannot be scheduled.
var ErrInvalidRequest = errors.New("invalid payroll run request")

// PayrollRunRequest is the unit of work submitted for one tenant and period.
type PayrollRunRequest struct {
	TenantID    string   `json:"tenant_id"`
	Month       string   `json:"month"`
	Year        int      `json:"year"`
	EmployeeIDs []string `json:"employee_ids,omitempty"`
	InitiatedBy string   `json:"initiated_by"`
	Priority    int      `json:"priority"`
}

// Normalize validates the request and canonicalises the month to its English name.
func (r PayrollRunRequest) Normalize() (PayrollRunRequest, error) {
	r.TenantID = strings.TrimSpace(r.TenantID)
	if r.TenantID == "" {
		return r, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	month, err := NormalizeMonth(r.Month)
	if err != nil {
		return r, err
	}
	r.Month = month
	if r.Year < 1900 || r.Year > 9999 {
		return r, fmt.Errorf("%w: year %d out of range", ErrInvalidRequest, r.Year)
	}
	ids := make([]string, 0, len(r.EmployeeIDs))
	seen := make(map[string]struct{}, len(r.EmployeeIDs))
	for _, id := range r.EmployeeIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = nil
	}
	r.EmployeeIDs = ids
	return r, nil
}

// NormalizeMonth accepts "March", "mar", "3" or "03" and returns "March".
func NormalizeMonth(v string) (string, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n < 1 || n > 12 {
			return "", fmt.Errorf("%w: month %d out of range", ErrInvalidRequest, n)
		}
		return time.Month(n).String(), nil
	}
	lower := strings.ToLower(v)
	if len(lower) >= 3 {
		for m := time.January; m <= time.December; m++ {
			name := strings.ToLower(m.String())
			if lower == name || lower == name[:3] {
				return m.String(), nil
			}
		}
	}
	return "", fmt.Errorf("%w: unknown month %q", ErrInvalidRequest, v)
}

// EmployeeSalarySnapshot is the read-only employee view consumed by a run.
// A nil GrossSalary means the salary structure is missing.
type EmployeeSalarySnapshot struct {
	ID          string   `json:"id"`
	Code        string   `json:"code"`
	GrossSalary *float64 `json:"gross_salary"`
}

// Label is the identifier used in error lists.
func (e EmployeeSalarySnapshot) Label() string {
	if e.Code != "" {
		return e.Code
	}
	return e.ID
}

// PayrollKey identifies the single payroll record allowed per employee and period.
type PayrollKey struct {
	TenantID   string
	EmployeeID string
	Month      string
	Year       int
}

func (k PayrollKey) String() string {
	return fmt.Sprintf("%s/%s/%s-%d", k.TenantID, k.EmployeeID, k.Month, k.Year)
}

// SalaryBreakdown is the deterministic split of a gross monthly salary.
type SalaryBreakdown struct {
	Gross             float64 `json:"gross"`
	Basic             float64 `json:"basic"`
	HRA               float64 `json:"hra"`
	DearnessAllowance float64 `json:"dearness_allowance"`
	SpecialAllowance  float64 `json:"special_allowance"`
	PFEmployee        float64 `json:"pf_employee"`
	PFEmployer        float64 `json:"pf_employer"`
	ESIEmployee       float64 `json:"esi_employee"`
	ESIEmployer       float64 `json:"esi_employer"`
	ProfessionalTax   float64 `json:"professional_tax"`
	TotalDeductions   float64 `json:"total_deductions"`
	Net               float64 `json:"net"`
}

// PayrollStatusDraft is the status of freshly computed payroll records.
const PayrollStatusDraft = "Draft"

// PayrollRecord is the persisted outcome for one employee and period.
type PayrollRecord struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	EmployeeID   string          `json:"employee_id"`
	EmployeeCode string          `json:"employee_code"`
	Month        string          `json:"month"`
	Year         int             `json:"year"`
	Breakdown    SalaryBreakdown `json:"breakdown"`
	Status       string          `json:"status"`
	ProcessedBy  string          `json:"processed_by"`
	ProcessedAt  time.Time       `json:"processed_at"`
}

// Key returns the idempotency key of the record.
func (p PayrollRecord) Key() PayrollKey {
	return PayrollKey{TenantID: p.TenantID, EmployeeID: p.EmployeeID, Month: p.Month, Year: p.Year}
}

// AuditEntry is a simple audit event row.
type AuditEntry struct {
	TenantID   string    `json:"tenant_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}
