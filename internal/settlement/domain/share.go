package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"medliq-cloud/internal/apperr"
	"medliq-cloud/internal/money"
)

// Role is the part a doctor played on a billed-service record.
type Role string

const (
	RolePrimary         Role = "primary"
	RoleFirstAssistant  Role = "assistant_1"
	RoleSecondAssistant Role = "assistant_2"
)

// DuplicateRolePolicy decides what happens when one doctor holds two roles
// on the same record.
type DuplicateRolePolicy string

const (
	// DuplicateRoleFirst keeps the first role in primary, assistant 1,
	// assistant 2 order.
	DuplicateRoleFirst DuplicateRolePolicy = "first"
	// DuplicateRoleSum merges the role amounts into a single share.
	DuplicateRoleSum DuplicateRolePolicy = "sum"
)

// DefaultPlaceholderReferences marks stub records that were never processed.
var DefaultPlaceholderReferences = []string{"0"}

// Share is the payable portion of a record owed to one doctor.
type Share struct {
	RecordID int64
	DoctorID int64
	Role     Role
	Amount   decimal.Decimal
}

// DecomposerPolicy configures share decomposition.
type DecomposerPolicy struct {
	MultiplyAssistants    bool
	DuplicateRole         DuplicateRolePolicy
	PlaceholderReferences []string
}

// Decomposer splits billed-service records into payable shares.
type Decomposer struct {
	policy       DecomposerPolicy
	placeholders map[string]struct{}
}

// NewDecomposer validates the policy and builds a decomposer.
func NewDecomposer(policy DecomposerPolicy) (*Decomposer, error) {
	switch policy.DuplicateRole {
	case "":
		policy.DuplicateRole = DuplicateRoleFirst
	case DuplicateRoleFirst, DuplicateRoleSum:
	default:
		return nil, fmt.Errorf("%w: unknown duplicate role policy %q", apperr.ErrValidation, policy.DuplicateRole)
	}
	refs := policy.PlaceholderReferences
	if refs == nil {
		refs = DefaultPlaceholderReferences
	}
	placeholders := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		placeholders[strings.TrimSpace(ref)] = struct{}{}
	}
	return &Decomposer{policy: policy, placeholders: placeholders}, nil
}

// Eligible reports whether the record produces any share at all.
func (d *Decomposer) Eligible(record BilledServiceRecord) bool {
	if !record.Active {
		return false
	}
	_, stub := d.placeholders[strings.TrimSpace(record.ConsultationRef)]
	return !stub
}

// Decompose returns at most one share per doctor for the record, primary first.
func (d *Decomposer) Decompose(record BilledServiceRecord) []Share {
	if !d.Eligible(record) {
		return nil
	}
	factor := decimal.NewFromInt(record.Factor())

	candidates := make([]Share, 0, 3)
	if record.PrimaryDoctorID > 0 {
		candidates = append(candidates, Share{
			RecordID: record.ID,
			DoctorID: record.PrimaryDoctorID,
			Role:     RolePrimary,
			Amount:   record.PrimaryValue.Mul(factor),
		})
	}
	assistants := []struct {
		id    int64
		value decimal.Decimal
		role  Role
	}{
		{record.FirstAssistantID, record.FirstAssistantValue, RoleFirstAssistant},
		{record.SecondAssistantID, record.SecondAssistantValue, RoleSecondAssistant},
	}
	for _, a := range assistants {
		if a.id <= 0 {
			continue
		}
		amount := a.value
		if d.policy.MultiplyAssistants {
			amount = amount.Mul(factor)
		}
		candidates = append(candidates, Share{RecordID: record.ID, DoctorID: a.id, Role: a.role, Amount: amount})
	}

	shares := make([]Share, 0, len(candidates))
	index := make(map[int64]int, len(candidates))
	for _, c := range candidates {
		pos, seen := index[c.DoctorID]
		if !seen {
			index[c.DoctorID] = len(shares)
			shares = append(shares, c)
			continue
		}
		if d.policy.DuplicateRole == DuplicateRoleSum {
			shares[pos].Amount = shares[pos].Amount.Add(c.Amount)
		}
	}
	for i := range shares {
		shares[i].Amount = money.Round2(shares[i].Amount)
	}
	return shares
}
