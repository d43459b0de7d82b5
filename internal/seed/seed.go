// Package seed loads billed-service records and deduction master data from
// YAML fixtures.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"medliq-cloud/internal/apperr"
	deductions "medliq-cloud/internal/deductions/domain"
	"medliq-cloud/internal/money"
	"medliq-cloud/internal/period"
	settlement "medliq-cloud/internal/settlement/domain"
)

// Record is one billed-service record in a fixture file.
type Record struct {
	ID                   int64  `yaml:"id"`
	PrimaryDoctorID      int64  `yaml:"primary_doctor_id"`
	FirstAssistantID     int64  `yaml:"first_assistant_id"`
	SecondAssistantID    int64  `yaml:"second_assistant_id"`
	InsurerID            int64  `yaml:"insurer_id"`
	Period               string `yaml:"period"`
	PrimaryValue         string `yaml:"primary_value"`
	FirstAssistantValue  string `yaml:"first_assistant_value"`
	SecondAssistantValue string `yaml:"second_assistant_value"`
	Quantity             int    `yaml:"quantity"`
	TreatmentCount       int    `yaml:"treatment_count"`
	ConsultationRef      string `yaml:"consultation_ref"`
	Inactive             bool   `yaml:"inactive"`
}

// Concept is a deduction definition or specialty in a fixture file.
type Concept struct {
	ID            int64  `yaml:"id"`
	ConceptNumber int64  `yaml:"concept_number"`
	Name          string `yaml:"name"`
	Price         string `yaml:"price"`
	Percentage    string `yaml:"percentage"`
}

// Assignment lists a doctor's memberships and specialties. Entries may be
// integers or numeric strings.
type Assignment struct {
	DoctorID    int64 `yaml:"doctor_id"`
	Memberships []any `yaml:"memberships"`
	Specialties []any `yaml:"specialties"`
}

// Dataset is a parsed fixture file.
type Dataset struct {
	Records     []Record     `yaml:"records"`
	Definitions []Concept    `yaml:"definitions"`
	Specialties []Concept    `yaml:"specialties"`
	Assignments []Assignment `yaml:"assignments"`
}

// Stats counts what Apply wrote.
type Stats struct {
	Records     int
	Definitions int
	Specialties int
	Assignments int
}

// Load parses a fixture from r.
func Load(r io.Reader) (*Dataset, error) {
	var ds Dataset
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ds); err != nil {
		if errors.Is(err, io.EOF) {
			return &ds, nil
		}
		return nil, fmt.Errorf("seed: %w: %v", apperr.ErrValidation, err)
	}
	return &ds, nil
}

// LoadFile parses the fixture at path.
func LoadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Apply writes the dataset. Records go through the settlement store and
// master data through the deductions store, each in its own transaction.
func Apply(ctx context.Context, records settlement.Store, master deductions.Store, ds *Dataset, logger *zap.Logger) (Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var stats Stats
	if ds == nil {
		return stats, nil
	}

	parsed := make([]settlement.BilledServiceRecord, 0, len(ds.Records))
	for i, r := range ds.Records {
		rec, err := r.toDomain()
		if err != nil {
			return stats, fmt.Errorf("seed: record %d: %w", i, err)
		}
		parsed = append(parsed, rec)
	}
	if len(parsed) > 0 {
		if records == nil {
			return stats, errors.New("seed: nil settlement store")
		}
		err := records.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
			for i := range parsed {
				if err := tx.UpsertRecord(ctx, &parsed[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
		stats.Records = len(parsed)
	}

	if len(ds.Definitions)+len(ds.Specialties)+len(ds.Assignments) == 0 {
		logger.Info("seed applied", zap.Int("records", stats.Records))
		return stats, nil
	}
	if master == nil {
		return stats, errors.New("seed: nil deductions store")
	}
	err := master.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		for i, c := range ds.Definitions {
			price, pct, err := c.amounts()
			if err != nil {
				return fmt.Errorf("seed: definition %d: %w", i, err)
			}
			def := &deductions.Definition{ID: c.ID, ConceptNumber: c.ConceptNumber, Name: c.Name, Price: price, Percentage: pct}
			if err := tx.UpsertDefinition(ctx, def); err != nil {
				return err
			}
		}
		for i, c := range ds.Specialties {
			price, pct, err := c.amounts()
			if err != nil {
				return fmt.Errorf("seed: specialty %d: %w", i, err)
			}
			sp := &deductions.Specialty{ID: c.ID, Name: c.Name, Price: price, Percentage: pct}
			if err := tx.UpsertSpecialty(ctx, sp); err != nil {
				return err
			}
		}
		for i, a := range ds.Assignments {
			memberships, specialties, err := a.raw()
			if err != nil {
				return fmt.Errorf("seed: assignment %d: %w", i, err)
			}
			if err := tx.UpsertAssignment(ctx, a.DoctorID, memberships, specialties); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.Definitions = len(ds.Definitions)
	stats.Specialties = len(ds.Specialties)
	stats.Assignments = len(ds.Assignments)

	logger.Info("seed applied",
		zap.Int("records", stats.Records),
		zap.Int("definitions", stats.Definitions),
		zap.Int("specialties", stats.Specialties),
		zap.Int("assignments", stats.Assignments),
	)
	return stats, nil
}

func (r Record) toDomain() (settlement.BilledServiceRecord, error) {
	p, err := period.Parse(r.Period)
	if err != nil {
		return settlement.BilledServiceRecord{}, err
	}
	values := make([]decimal.Decimal, 3)
	for i, raw := range []string{r.PrimaryValue, r.FirstAssistantValue, r.SecondAssistantValue} {
		if values[i], err = parseAmount(raw); err != nil {
			return settlement.BilledServiceRecord{}, err
		}
	}
	return settlement.BilledServiceRecord{
		ID:                   r.ID,
		PrimaryDoctorID:      r.PrimaryDoctorID,
		FirstAssistantID:     r.FirstAssistantID,
		SecondAssistantID:    r.SecondAssistantID,
		InsurerID:            r.InsurerID,
		Period:               p,
		PrimaryValue:         values[0],
		FirstAssistantValue:  values[1],
		SecondAssistantValue: values[2],
		Quantity:             r.Quantity,
		TreatmentCount:       r.TreatmentCount,
		ConsultationRef:      r.ConsultationRef,
		Active:               !r.Inactive,
	}, nil
}

func (c Concept) amounts() (decimal.Decimal, decimal.Decimal, error) {
	price, err := parseAmount(c.Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	pct, err := parseAmount(c.Percentage)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if price.IsNegative() || pct.IsNegative() {
		return decimal.Zero, decimal.Zero, deductions.ErrNegativeAmount
	}
	return price, pct, nil
}

// raw re-encodes the lists as JSON and checks they parse as concept numbers.
func (a Assignment) raw() (json.RawMessage, json.RawMessage, error) {
	encode := func(values []any) (json.RawMessage, error) {
		if values == nil {
			values = []any{}
		}
		data, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		if _, err := deductions.ParseMembershipSet(data); err != nil {
			return nil, err
		}
		return data, nil
	}
	memberships, err := encode(a.Memberships)
	if err != nil {
		return nil, nil, err
	}
	specialties, err := encode(a.Specialties)
	if err != nil {
		return nil, nil, err
	}
	return memberships, specialties, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return money.Zero, nil
	}
	return money.Parse(raw)
}
