package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"medliq-cloud/internal/apperr"
	deductions "medliq-cloud/internal/deductions/domain"
	"medliq-cloud/internal/money"
)

// ConceptInput is the payload for saving a deduction definition or specialty.
type ConceptInput struct {
	ID            int64           `json:"id" validate:"gte=0"`
	ConceptNumber int64           `json:"concept_number" validate:"gte=0"`
	Name          string          `json:"name" validate:"required,max=200"`
	Price         decimal.Decimal `json:"price"`
	Percentage    decimal.Decimal `json:"percentage"`
}

// AssignmentInput replaces a doctor's membership and specialty lists.
type AssignmentInput struct {
	DoctorID    int64           `json:"doctor_id" validate:"required,gt=0"`
	Memberships json.RawMessage `json:"memberships"`
	Specialties json.RawMessage `json:"specialties"`
}

// Catalog maintains the master data charges are generated from.
type Catalog struct {
	store    deductions.Store
	validate *validator.Validate
}

// NewCatalog constructs a catalog service.
func NewCatalog(store deductions.Store) (*Catalog, error) {
	if store == nil {
		return nil, errors.New("deduction catalog: nil store")
	}
	return &Catalog{store: store, validate: validator.New()}, nil
}

func (c *Catalog) check(in ConceptInput) error {
	if err := c.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	if in.Price.IsNegative() || in.Percentage.IsNegative() {
		return deductions.ErrNegativeAmount
	}
	return nil
}

// SaveDefinition creates or replaces a deduction definition.
func (c *Catalog) SaveDefinition(ctx context.Context, in ConceptInput) (*deductions.Definition, error) {
	if err := c.check(in); err != nil {
		return nil, err
	}
	if in.ConceptNumber <= 0 {
		return nil, fmt.Errorf("%w: concept_number must be positive", apperr.ErrValidation)
	}
	def := &deductions.Definition{
		ID:            in.ID,
		ConceptNumber: in.ConceptNumber,
		Name:          in.Name,
		Price:         money.Round2(in.Price),
		Percentage:    in.Percentage,
	}
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		return tx.UpsertDefinition(ctx, def)
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// SaveSpecialty creates or replaces a specialty.
func (c *Catalog) SaveSpecialty(ctx context.Context, in ConceptInput) (*deductions.Specialty, error) {
	if err := c.check(in); err != nil {
		return nil, err
	}
	sp := &deductions.Specialty{
		ID:         in.ID,
		Name:       in.Name,
		Price:      money.Round2(in.Price),
		Percentage: in.Percentage,
	}
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		return tx.UpsertSpecialty(ctx, sp)
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// SaveAssignment stores a doctor's lists after checking they parse.
func (c *Catalog) SaveAssignment(ctx context.Context, in AssignmentInput) (*deductions.Assignment, error) {
	if err := c.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	memberships, err := deductions.ParseMembershipSet(in.Memberships)
	if err != nil {
		return nil, err
	}
	specialties, err := deductions.ParseMembershipSet(in.Specialties)
	if err != nil {
		return nil, err
	}
	err = c.store.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		return tx.UpsertAssignment(ctx, in.DoctorID, in.Memberships, in.Specialties)
	})
	if err != nil {
		return nil, err
	}
	return &deductions.Assignment{DoctorID: in.DoctorID, Memberships: memberships, Specialties: specialties}, nil
}
