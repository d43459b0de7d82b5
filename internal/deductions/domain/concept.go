package deductions

import (
	"github.com/shopspring/decimal"
)

// ConceptType is the family a recurring charge belongs to.
type ConceptType string

const (
	ConceptDeduction ConceptType = "deduction"
	ConceptSpecialty ConceptType = "specialty"
)

// ParseConceptType validates a concept type string.
func ParseConceptType(value string) (ConceptType, error) {
	switch ConceptType(value) {
	case ConceptDeduction, ConceptSpecialty:
		return ConceptType(value), nil
	default:
		return "", ErrInvalidConceptType
	}
}

// Definition is a recurring deduction such as a membership fee.
type Definition struct {
	ID            int64           `json:"id"`
	ConceptNumber int64           `json:"concept_number"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Percentage    decimal.Decimal `json:"percentage"`
}

// Specialty is a specialty fee charged to doctors assigned to it.
type Specialty struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Concept is the common view of a definition or specialty for charging.
type Concept struct {
	Type       ConceptType
	ID         int64
	Name       string
	Price      decimal.Decimal
	Percentage decimal.Decimal
	// MatchKey is the number looked up in a doctor's assignment list.
	MatchKey int64
}

// Concept returns the chargeable view of the definition. Doctors match on
// the membership concept number.
func (d Definition) Concept() Concept {
	return Concept{
		Type:       ConceptDeduction,
		ID:         d.ID,
		Name:       d.Name,
		Price:      d.Price,
		Percentage: d.Percentage,
		MatchKey:   d.ConceptNumber,
	}
}

// Concept returns the chargeable view of the specialty. Doctors match on
// the specialty id.
func (s Specialty) Concept() Concept {
	return Concept{
		Type:       ConceptSpecialty,
		ID:         s.ID,
		Name:       s.Name,
		Price:      s.Price,
		Percentage: s.Percentage,
		MatchKey:   s.ID,
	}
}

// Matches reports whether the assignment lists this concept.
func (c Concept) Matches(a Assignment) bool {
	if a.Invalid != nil {
		return false
	}
	switch c.Type {
	case ConceptDeduction:
		return a.Memberships.Contains(c.MatchKey)
	case ConceptSpecialty:
		return a.Specialties.Contains(c.MatchKey)
	default:
		return false
	}
}
