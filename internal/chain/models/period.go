package models

import (
	"fmt"
	"time"

	dErrors "verifactu/pkg/domain-errors"
)

// Period is a fiscal month (Ejercicio + Periodo).
type Period struct {
	Year  int
	Month time.Month
}

func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

func (p Period) Validate() error {
	if p.Year < 2000 || p.Year > 9999 {
		return dErrors.New(dErrors.CodeValidation, "period year is out of range")
	}
	if p.Month < time.January || p.Month > time.December {
		return dErrors.New(dErrors.CodeValidation, "period month must be between 1 and 12")
	}
	return nil
}

// From is the first day of the period.
func (p Period) From() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// To is the last day of the period.
func (p Period) To() time.Time {
	return p.From().AddDate(0, 1, -1)
}

// Ejercicio and Periodo render the period in wire form.
func (p Period) Ejercicio() string {
	return fmt.Sprintf("%04d", p.Year)
}

func (p Period) Periodo() string {
	return fmt.Sprintf("%02d", int(p.Month))
}

func (p Period) String() string {
	return p.Ejercicio() + "-" + p.Periodo()
}
