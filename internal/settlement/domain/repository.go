package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"medliq-cloud/internal/period"
)

// Store runs units of work atomically. Any error returned by fn rolls the
// whole unit back.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the persistence surface available inside one transaction. Finder
// methods return nil, nil when the row does not exist.
type Tx interface {
	GetSummary(ctx context.Context, id int64) (*Summary, error)
	FindSummaryByPeriod(ctx context.Context, p period.Period) (*Summary, error)
	InsertSummary(ctx context.Context, summary *Summary) error
	SumSettlementTotals(ctx context.Context, summaryID int64) (gross, debits decimal.Decimal, err error)
	UpdateSummaryTotals(ctx context.Context, summaryID int64, gross, debits decimal.Decimal) error

	// LockVersionCounter serializes settlement creation per insurer and period.
	LockVersionCounter(ctx context.Context, insurerID int64, p period.Period) error
	CountSettlements(ctx context.Context, insurerID int64, p period.Period) (int, error)
	SettlementExists(ctx context.Context, summaryID, insurerID int64, p period.Period, version int) (bool, error)
	InsertSettlement(ctx context.Context, s *Settlement) error
	UpdateSettlementTotals(ctx context.Context, s *Settlement) error
	GetSettlement(ctx context.Context, id int64, forUpdate bool) (*Settlement, error)
	ListSettlements(ctx context.Context, summaryID int64) ([]Settlement, error)
	MarkSettlementClosed(ctx context.Context, id int64, closedAt time.Time) error

	GetRecord(ctx context.Context, id int64) (*BilledServiceRecord, error)
	// UpsertRecord stores a billed-service record keyed by its id. Records
	// are owned by billing; this exists for seeding and imports.
	UpsertRecord(ctx context.Context, record *BilledServiceRecord) error
	// ListRecords returns the records of an insurer and period ordered by id.
	// With excludeClaimed, records referenced by any settlement detail are
	// left out.
	ListRecords(ctx context.Context, insurerID int64, p period.Period, excludeClaimed bool) ([]BilledServiceRecord, error)

	// LineageCandidates returns details of the same insurer and period from
	// settlements with a version lower than version, with Version filled.
	LineageCandidates(ctx context.Context, insurerID int64, p period.Period, version int) ([]Detail, error)
	InsertDetails(ctx context.Context, details []Detail) error
	ListDetails(ctx context.Context, settlementID int64) ([]Detail, error)
	// SettlementsLinkedToAdjustment returns the settlements owning details
	// that reference the adjustment.
	SettlementsLinkedToAdjustment(ctx context.Context, adjustmentID int64) ([]Settlement, error)
	ClearAdjustmentLinks(ctx context.Context, adjustmentID int64) error

	InsertAdjustment(ctx context.Context, adj *Adjustment) error
	UpdateAdjustment(ctx context.Context, adj *Adjustment) error
	GetAdjustment(ctx context.Context, id int64) (*Adjustment, error)
	GetAdjustments(ctx context.Context, ids []int64) (map[int64]Adjustment, error)
	DeleteAdjustment(ctx context.Context, id int64) error
	ListAdjustments(ctx context.Context, filter AdjustmentFilter) ([]Adjustment, int, error)
	// AdjustmentsForRecords returns adjustments scoped to the insurer and
	// period whose source record is in recordIDs.
	AdjustmentsForRecords(ctx context.Context, insurerID int64, p period.Period, recordIDs []int64) ([]Adjustment, error)
}
