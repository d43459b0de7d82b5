package events

import "github.com/shopspring/decimal"

// SettlementCreated is emitted after a settlement and its details commit.
type SettlementCreated struct {
	SettlementID int64           `json:"settlement_id"`
	SummaryID    int64           `json:"summary_id"`
	InsurerID    int64           `json:"insurer_id"`
	Period       string          `json:"period"`
	Version      int             `json:"version"`
	Number       string          `json:"number"`
	Details      int             `json:"details"`
	TotalGross   decimal.Decimal `json:"total_gross"`
	TotalNet     decimal.Decimal `json:"total_net"`
}

// SettlementClosed is emitted when a settlement moves to CLOSED.
type SettlementClosed struct {
	SettlementID int64  `json:"settlement_id"`
	SummaryID    int64  `json:"summary_id"`
	ClosedAt     string `json:"closed_at"`
}

// AdjustmentRecorded is emitted for adjustment create, update and delete.
type AdjustmentRecorded struct {
	AdjustmentID int64           `json:"adjustment_id"`
	Op           string          `json:"op"`
	Kind         string          `json:"kind"`
	RecordID     int64           `json:"record_id"`
	Amount       decimal.Decimal `json:"amount"`
}

// DeductionsCharged is emitted after a charge generation run.
type DeductionsCharged struct {
	SummaryID   int64           `json:"summary_id"`
	ConceptType string          `json:"concept_type"`
	ConceptID   int64           `json:"concept_id"`
	Created     int             `json:"created"`
	Updated     int             `json:"updated"`
	Total       decimal.Decimal `json:"total"`
}

// DeductionsApplied is emitted after an allocation run.
type DeductionsApplied struct {
	SummaryID      int64           `json:"summary_id"`
	Doctors        int             `json:"doctors"`
	Applications   int             `json:"applications"`
	TotalApplied   decimal.Decimal `json:"total_applied"`
	TotalDeduction decimal.Decimal `json:"total_deduction"`
}
