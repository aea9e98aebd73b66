package clinic

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/memory"
)

var (
	// ErrNotFound is returned by collaborators for unknown records.
	ErrNotFound = errors.New("not found")
	// ErrSlotUnavailable is returned when booking a slot that is not free.
	ErrSlotUnavailable = errors.New("slot unavailable")
)

// Alert is an emergency notification for on-site staff.
type Alert struct {
	PatientID  string          `json:"patient_id,omitempty"`
	Location   string          `json:"location,omitempty"`
	Reason     string          `json:"reason"`
	TriageCode core.TriageCode `json:"triage_code,omitempty"`
	SessionID  string          `json:"session_id"`
}

// AlertReceipt confirms a dispatched alert.
type AlertReceipt struct {
	ID        string    `json:"alert_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Alerter dispatches emergency alerts.
type Alerter interface {
	TriggerAlert(ctx context.Context, a Alert) (AlertReceipt, error)
}

// Interaction describes a clinically relevant interaction between drugs.
type Interaction struct {
	Drugs       []string `json:"drugs"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
}

// Pharmacy answers medication questions.
type Pharmacy interface {
	CheckInteractions(ctx context.Context, drugs []string) ([]Interaction, error)
}

// Patient is the subset of the patient record visible to agents.
type Patient struct {
	ID          string   `json:"patient_id"`
	Name        string   `json:"name"`
	BirthDate   string   `json:"birth_date,omitempty"`
	Allergies   []string `json:"allergies,omitempty"`
	Medications []string `json:"medications,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`
}

// Patients reads patient records.
type Patients interface {
	GetPatient(ctx context.Context, id string) (Patient, error)
}

// Appointment is a booked visit.
type Appointment struct {
	ID         string `json:"appointment_id"`
	PatientID  string `json:"patient_id,omitempty"`
	Department string `json:"department"`
	Slot       string `json:"slot"`
	Reason     string `json:"reason,omitempty"`
	Status     string `json:"status"`
}

// Scheduler lists and books appointment slots.
type Scheduler interface {
	AvailableSlots(ctx context.Context, department string) ([]string, error)
	Book(ctx context.Context, a Appointment) (Appointment, error)
}

// LabOrder is a laboratory test request.
type LabOrder struct {
	ID        string    `json:"order_id"`
	PatientID string    `json:"patient_id"`
	TestCode  string    `json:"test_code"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	OrderedAt time.Time `json:"ordered_at"`
}

// LabResult is one reported laboratory value.
type LabResult struct {
	TestCode  string `json:"test_code"`
	Value     string `json:"value"`
	Unit      string `json:"unit,omitempty"`
	Reference string `json:"reference_range,omitempty"`
	Flag      string `json:"flag,omitempty"`
}

// Labs places orders and reads results.
type Labs interface {
	Order(ctx context.Context, o LabOrder) (LabOrder, error)
	Results(ctx context.Context, patientID string) ([]LabResult, error)
}

// Service is an offering of the clinic.
type Service struct {
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Price    float64 `json:"price"`
	Promo    string  `json:"promotion,omitempty"`
}

// Catalog lists services.
type Catalog interface {
	Services(ctx context.Context, category string) ([]Service, error)
}

// Services bundles the collaborators the domain tools depend on.
type Services struct {
	Alerter   Alerter
	Pharmacy  Pharmacy
	Patients  Patients
	Scheduler Scheduler
	Labs      Labs
	Catalog   Catalog
	Search    memory.Searcher
}

// Validate reports the first missing collaborator.
func (s Services) Validate() error {
	switch {
	case s.Alerter == nil:
		return errors.New("clinic: alerter is required")
	case s.Pharmacy == nil:
		return errors.New("clinic: pharmacy is required")
	case s.Patients == nil:
		return errors.New("clinic: patients is required")
	case s.Scheduler == nil:
		return errors.New("clinic: scheduler is required")
	case s.Labs == nil:
		return errors.New("clinic: labs is required")
	case s.Catalog == nil:
		return errors.New("clinic: catalog is required")
	case s.Search == nil:
		return errors.New("clinic: search is required")
	}
	return nil
}
