package settlement

import (
	"strconv"

	"github.com/shopspring/decimal"

	"medliq-cloud/internal/period"
)

// BilledServiceRecord is one billed medical encounter. It is owned by the
// billing system and only read here.
type BilledServiceRecord struct {
	ID                   int64
	PrimaryDoctorID      int64
	FirstAssistantID     int64
	SecondAssistantID    int64
	InsurerID            int64
	Period               period.Period
	PrimaryValue         decimal.Decimal
	FirstAssistantValue  decimal.Decimal
	SecondAssistantValue decimal.Decimal
	Quantity             int
	TreatmentCount       int
	ConsultationRef      string
	Active               bool
}

// Ref returns the record id in the string form stored on settlement details.
func (r BilledServiceRecord) Ref() string {
	return RecordRef(r.ID)
}

// RecordRef formats a record id as stored on settlement details.
func RecordRef(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Factor is quantity times treatment count, each defaulting to 1.
func (r BilledServiceRecord) Factor() int64 {
	quantity := int64(r.Quantity)
	if quantity <= 0 {
		quantity = 1
	}
	treatments := int64(r.TreatmentCount)
	if treatments <= 0 {
		treatments = 1
	}
	return quantity * treatments
}
