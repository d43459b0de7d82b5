// Package period models the settlement calendar month.
package period

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"

	"medliq-cloud/internal/apperr"
)

// Period is a calendar month. Its canonical text form is "YYYY-MM".
type Period struct {
	Year  int
	Month int
}

// New validates year and month.
func New(year, month int) (Period, error) {
	if year < 1000 || year > 9999 {
		return Period{}, fmt.Errorf("%w: year must have four digits, got %d", apperr.ErrValidation, year)
	}
	if month < 1 || month > 12 {
		return Period{}, fmt.Errorf("%w: month must be 1-12, got %d", apperr.ErrValidation, month)
	}
	return Period{Year: year, Month: month}, nil
}

// Parse accepts "YYYY-MM" and the legacy "YYYY-M" form. Both fields must be
// plain ASCII digits.
func Parse(value string) (Period, error) {
	value = strings.TrimSpace(value)
	parts := strings.Split(value, "-")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) < 1 || len(parts[1]) > 2 ||
		!digits(parts[0]) || !digits(parts[1]) {
		return Period{}, fmt.Errorf("%w: period must be YYYY-MM, got %q", apperr.ErrValidation, value)
	}
	year, _ := strconv.Atoi(parts[0])
	month, _ := strconv.Atoi(parts[1])
	return New(year, month)
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String returns the canonical "YYYY-MM" form.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

// Value stores the period as its canonical string.
func (p Period) Value() (driver.Value, error) {
	return p.String(), nil
}

// Scan reads a canonical period string.
func (p *Period) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("period: cannot scan %T", src)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Period) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
