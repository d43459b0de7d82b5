package deductions

import (
	"fmt"

	"medliq-cloud/internal/apperr"
)

var (
	// ErrSummaryNotFound is returned when the settlement summary is missing.
	ErrSummaryNotFound = fmt.Errorf("deductions: settlement summary %w", apperr.ErrNotFound)
	// ErrDefinitionNotFound is returned when a deduction definition is missing.
	ErrDefinitionNotFound = fmt.Errorf("deductions: deduction definition %w", apperr.ErrNotFound)
	// ErrSpecialtyNotFound is returned when a specialty is missing.
	ErrSpecialtyNotFound = fmt.Errorf("deductions: specialty %w", apperr.ErrNotFound)

	// ErrNegativeAmount is returned for negative monetary input.
	ErrNegativeAmount = fmt.Errorf("deductions: %w: negative amount", apperr.ErrValidation)
	// ErrInvalidConceptType is returned for a concept type outside the enumeration.
	ErrInvalidConceptType = fmt.Errorf("deductions: %w: concept type must be deduction or specialty", apperr.ErrValidation)
	// ErrInvalidMembership is returned when an assignment list holds a
	// non-integer entry.
	ErrInvalidMembership = fmt.Errorf("deductions: %w: membership entries must be integers", apperr.ErrValidation)
	// ErrOverdraw is returned when a decrement would take a balance below zero.
	ErrOverdraw = fmt.Errorf("deductions: %w: balance cannot go below zero", apperr.ErrConflict)
)
