package settlement

import (
	"fmt"

	"medliq-cloud/internal/apperr"
)

var (
	// ErrSummaryNotFound is returned when a settlement summary is missing.
	ErrSummaryNotFound = fmt.Errorf("settlement: summary %w", apperr.ErrNotFound)
	// ErrSettlementNotFound is returned when a settlement is missing.
	ErrSettlementNotFound = fmt.Errorf("settlement: %w", apperr.ErrNotFound)
	// ErrRecordNotFound is returned when a billed-service record is missing.
	ErrRecordNotFound = fmt.Errorf("settlement: billed-service record %w", apperr.ErrNotFound)
	// ErrAdjustmentNotFound is returned when an adjustment is missing.
	ErrAdjustmentNotFound = fmt.Errorf("settlement: adjustment %w", apperr.ErrNotFound)

	// ErrSettlementExists is returned when the version slot is already taken.
	ErrSettlementExists = fmt.Errorf("settlement: %w: settlement already exists for summary, insurer, period and version", apperr.ErrConflict)
	// ErrSettlementClosed is returned when a closed settlement would be mutated.
	ErrSettlementClosed = fmt.Errorf("settlement: %w: settlement is closed", apperr.ErrConflict)

	// ErrAdjustmentMismatch is returned when an adjustment's insurer or period
	// differs from its source record.
	ErrAdjustmentMismatch = fmt.Errorf("settlement: %w: adjustment insurer/period does not match record", apperr.ErrValidation)
	// ErrNegativeAmount is returned for negative monetary input.
	ErrNegativeAmount = fmt.Errorf("settlement: %w: negative amount", apperr.ErrValidation)
	// ErrInvalidKind is returned for an unknown adjustment kind.
	ErrInvalidKind = fmt.Errorf("settlement: %w: adjustment kind must be debit or credit", apperr.ErrValidation)
	// ErrInvalidID is returned for a non-positive identifier.
	ErrInvalidID = fmt.Errorf("settlement: %w: id must be positive", apperr.ErrValidation)
)
