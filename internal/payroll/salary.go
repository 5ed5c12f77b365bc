package payroll

import (
	"errors"
	"fmt"
	"math"

	"payroll-batch-processor/internal/models"
)

// ErrMissingSalary is returned for employees without a usable gross salary.
var ErrMissingSalary = errors.New("missing or invalid gross salary")

// Salary structure proportions and statutory deduction parameters.
const (
	basicShare = 0.40
	hraShare   = 0.50 // of basic
	daShare    = 0.10 // of basic

	pfRate        = 0.12
	pfWageCeiling = 15000.0

	esiGrossThreshold = 21000.0
	esiEmployeeRate   = 0.0075
	esiEmployerRate   = 0.0325
)

// professionalTaxSlabs are inclusive upper bounds of monthly gross.
var professionalTaxSlabs = []struct {
	upTo float64
	tax  float64
}{
	{upTo: 15000, tax: 0},
	{upTo: 20000, tax: 150},
	{upTo: math.Inf(1), tax: 200},
}

// Compute derives the salary breakdown for a monthly gross salary.
func Compute(gross *float64) (models.SalaryBreakdown, error) {
	if gross == nil {
		return models.SalaryBreakdown{}, ErrMissingSalary
	}
	g := *gross
	if math.IsNaN(g) || math.IsInf(g, 0) || g <= 0 {
		return models.SalaryBreakdown{}, fmt.Errorf("%w: %v", ErrMissingSalary, g)
	}

	b := models.SalaryBreakdown{Gross: round2(g)}
	b.Basic = round2(g * basicShare)
	b.HRA = round2(b.Basic * hraShare)
	b.DearnessAllowance = round2(b.Basic * daShare)
	b.SpecialAllowance = round2(b.Gross - b.Basic - b.HRA - b.DearnessAllowance)

	pfWage := math.Min(b.Basic, pfWageCeiling)
	b.PFEmployee = round2(pfWage * pfRate)
	b.PFEmployer = round2(pfWage * pfRate)

	if b.Gross <= esiGrossThreshold {
		b.ESIEmployee = round2(b.Gross * esiEmployeeRate)
		b.ESIEmployer = round2(b.Gross * esiEmployerRate)
	}

	b.ProfessionalTax = professionalTax(b.Gross)
	b.TotalDeductions = round2(b.PFEmployee + b.ESIEmployee + b.ProfessionalTax)
	b.Net = round2(b.Gross - b.TotalDeductions)
	return b, nil
}

func professionalTax(gross float64) float64 {
	for _, slab := range professionalTaxSlabs {
		if gross <= slab.upTo {
			return slab.tax
		}
	}
	return 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
