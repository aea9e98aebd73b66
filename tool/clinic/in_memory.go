package clinic

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/careflow/memory"
)

// CollectionDepartments is the memory collection searched by search_departments.
const CollectionDepartments = "departments"

// MemoryAlerter records alerts in process memory.
type MemoryAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

// NewMemoryAlerter creates an empty alerter.
func NewMemoryAlerter() *MemoryAlerter { return &MemoryAlerter{} }

// TriggerAlert implements Alerter.
func (m *MemoryAlerter) TriggerAlert(ctx context.Context, a Alert) (AlertReceipt, error) {
	if err := ctx.Err(); err != nil {
		return AlertReceipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return AlertReceipt{ID: uuid.NewString(), Status: "dispatched", CreatedAt: time.Now().UTC()}, nil
}

// Alerts returns a copy of every recorded alert.
func (m *MemoryAlerter) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.alerts)
}

// MemoryPharmacy answers interaction checks from a fixed pair table.
type MemoryPharmacy struct {
	mu    sync.RWMutex
	pairs map[string]Interaction
}

// NewMemoryPharmacy creates a pharmacy without known interactions.
func NewMemoryPharmacy() *MemoryPharmacy {
	return &MemoryPharmacy{pairs: map[string]Interaction{}}
}

func pairKey(a, b string) string {
	a, b = normalizeDrug(a), normalizeDrug(b)
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func normalizeDrug(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// AddInteraction registers an interaction between a and b.
func (m *MemoryPharmacy) AddInteraction(a, b, severity, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[pairKey(a, b)] = Interaction{
		Drugs:       []string{normalizeDrug(a), normalizeDrug(b)},
		Severity:    severity,
		Description: description,
	}
}

// CheckInteractions implements Pharmacy. Every unordered pair is checked
// once; results follow the input order of the first drug of each pair.
func (m *MemoryPharmacy) CheckInteractions(ctx context.Context, drugs []string) ([]Interaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	out := []Interaction{}
	for i := 0; i < len(drugs); i++ {
		for j := i + 1; j < len(drugs); j++ {
			k := pairKey(drugs[i], drugs[j])
			if seen[k] {
				continue
			}
			seen[k] = true
			if in, ok := m.pairs[k]; ok {
				out = append(out, in)
			}
		}
	}
	return out, nil
}

// MemoryPatients serves patient records from a map.
type MemoryPatients struct {
	mu       sync.RWMutex
	patients map[string]Patient
}

// NewMemoryPatients creates a store seeded with patients.
func NewMemoryPatients(patients ...Patient) *MemoryPatients {
	m := &MemoryPatients{patients: map[string]Patient{}}
	for _, p := range patients {
		m.patients[p.ID] = p
	}
	return m
}

// GetPatient implements Patients.
func (m *MemoryPatients) GetPatient(ctx context.Context, id string) (Patient, error) {
	if err := ctx.Err(); err != nil {
		return Patient{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return Patient{}, fmt.Errorf("patient %q: %w", id, ErrNotFound)
	}
	return p, nil
}

// MemoryScheduler keeps free slots per department.
type MemoryScheduler struct {
	mu     sync.Mutex
	slots  map[string][]string
	booked []Appointment
}

// NewMemoryScheduler creates a scheduler with the given free slots.
func NewMemoryScheduler(slots map[string][]string) *MemoryScheduler {
	m := &MemoryScheduler{slots: map[string][]string{}}
	for dept, s := range slots {
		m.slots[normalizeDept(dept)] = slices.Clone(s)
	}
	return m
}

func normalizeDept(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// AvailableSlots implements Scheduler.
func (m *MemoryScheduler) AvailableSlots(ctx context.Context, department string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[normalizeDept(department)]
	if !ok {
		return nil, fmt.Errorf("department %q: %w", department, ErrNotFound)
	}
	return slices.Clone(s), nil
}

// Book implements Scheduler. The slot is removed from the free list.
func (m *MemoryScheduler) Book(ctx context.Context, a Appointment) (Appointment, error) {
	if err := ctx.Err(); err != nil {
		return Appointment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dept := normalizeDept(a.Department)
	free, ok := m.slots[dept]
	if !ok {
		return Appointment{}, fmt.Errorf("department %q: %w", a.Department, ErrNotFound)
	}
	idx := slices.Index(free, a.Slot)
	if idx < 0 {
		return Appointment{}, fmt.Errorf("%s at %s: %w", a.Department, a.Slot, ErrSlotUnavailable)
	}
	m.slots[dept] = slices.Delete(free, idx, idx+1)

	a.ID = uuid.NewString()
	a.Department = dept
	a.Status = "confirmed"
	m.booked = append(m.booked, a)

	return a, nil
}

// Booked returns a copy of every booked appointment.
func (m *MemoryScheduler) Booked() []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.booked)
}

// MemoryLabs stores orders and canned results.
type MemoryLabs struct {
	mu      sync.Mutex
	orders  []LabOrder
	results map[string][]LabResult
}

// NewMemoryLabs creates a lab with results keyed by patient id.
func NewMemoryLabs(results map[string][]LabResult) *MemoryLabs {
	m := &MemoryLabs{results: map[string][]LabResult{}}
	for id, r := range results {
		m.results[id] = slices.Clone(r)
	}
	return m
}

// Order implements Labs.
func (m *MemoryLabs) Order(ctx context.Context, o LabOrder) (LabOrder, error) {
	if err := ctx.Err(); err != nil {
		return LabOrder{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = uuid.NewString()
	o.Status = "ordered"
	o.OrderedAt = time.Now().UTC()
	if o.Priority == "" {
		o.Priority = "routine"
	}
	m.orders = append(m.orders, o)
	return o, nil
}

// Results implements Labs.
func (m *MemoryLabs) Results(ctx context.Context, patientID string) ([]LabResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[patientID]
	if !ok {
		return nil, fmt.Errorf("results for patient %q: %w", patientID, ErrNotFound)
	}
	return slices.Clone(r), nil
}

// Orders returns a copy of every placed order.
func (m *MemoryLabs) Orders() []LabOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.orders)
}

// MemoryCatalog lists a fixed set of services.
type MemoryCatalog struct {
	services []Service
}

// NewMemoryCatalog creates a catalog.
func NewMemoryCatalog(services ...Service) *MemoryCatalog {
	return &MemoryCatalog{services: slices.Clone(services)}
}

// Services implements Catalog. An empty category lists everything.
func (m *MemoryCatalog) Services(ctx context.Context, category string) ([]Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	category = strings.ToLower(strings.TrimSpace(category))
	out := []Service{}
	for _, s := range m.services {
		if category == "" || strings.ToLower(s.Category) == category {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Department describes one clinic department for the retrieval index.
type Department struct {
	Name        string
	Description string
}

// DefaultDepartments is the demo department catalog.
var DefaultDepartments = []Department{
	{Name: "cardiology", Description: "Cardiology: chest pain, palpitations, high blood pressure, heart rhythm problems"},
	{Name: "neurology", Description: "Neurology: headache, migraine, dizziness, numbness, seizures, memory problems"},
	{Name: "dermatology", Description: "Dermatology: skin rash, acne, eczema, itching, moles"},
	{Name: "gastroenterology", Description: "Gastroenterology: stomach pain, nausea, diarrhea, constipation, reflux"},
	{Name: "pulmonology", Description: "Pulmonology: cough, shortness of breath, asthma, wheezing"},
	{Name: "orthopedics", Description: "Orthopedics: joint pain, back pain, fractures, sprains"},
	{Name: "pediatrics", Description: "Pediatrics: children health, fever in children, vaccination"},
	{Name: "general", Description: "General medicine: fever, fatigue, check-up, common cold"},
}

// IndexDepartments stores departments in ix under CollectionDepartments.
func IndexDepartments(ix *memory.Index, departments []Department) error {
	snippets := make([]memory.Snippet, 0, len(departments))
	for _, d := range departments {
		snippets = append(snippets, memory.Snippet{
			ID:       d.Name,
			Content:  d.Description,
			Metadata: map[string]any{"department": d.Name},
		})
	}
	return ix.Store(CollectionDepartments, snippets...)
}

// NewDemoServices returns in-memory collaborators seeded with demo data.
func NewDemoServices() (Services, error) {
	pharmacy := NewMemoryPharmacy()
	pharmacy.AddInteraction("warfarin", "aspirin", "major", "Increased bleeding risk.")
	pharmacy.AddInteraction("sildenafil", "nitroglycerin", "contraindicated", "Severe hypotension.")
	pharmacy.AddInteraction("simvastatin", "clarithromycin", "major", "Raised statin levels with risk of myopathy.")
	pharmacy.AddInteraction("lisinopril", "spironolactone", "moderate", "Risk of hyperkalemia.")

	patients := NewMemoryPatients(
		Patient{ID: "P-1001", Name: "Jane Doe", BirthDate: "1968-04-12", Allergies: []string{"penicillin"}, Medications: []string{"warfarin"}, Conditions: []string{"atrial fibrillation"}},
		Patient{ID: "P-1002", Name: "John Roe", BirthDate: "1990-09-30", Medications: []string{"lisinopril"}, Conditions: []string{"hypertension"}},
	)

	slots := map[string][]string{}
	for _, d := range DefaultDepartments {
		slots[d.Name] = []string{"2026-11-02T09:00", "2026-11-02T10:30", "2026-11-03T14:00"}
	}

	labs := NewMemoryLabs(map[string][]LabResult{
		"P-1001": {
			{TestCode: "INR", Value: "3.4", Reference: "2.0-3.0", Flag: "high"},
			{TestCode: "HGB", Value: "13.1", Unit: "g/dL", Reference: "12.0-15.5"},
		},
	})

	catalog := NewMemoryCatalog(
		Service{Code: "CHK-BASIC", Name: "Basic health check-up", Category: "checkup", Price: 89},
		Service{Code: "CHK-CARDIO", Name: "Cardiac screening", Category: "checkup", Price: 249, Promo: "15% off in November"},
		Service{Code: "VAC-FLU", Name: "Flu vaccination", Category: "vaccination", Price: 25},
		Service{Code: "TEL-CONSULT", Name: "Telehealth consultation", Category: "consultation", Price: 39},
	)

	ix := memory.NewIndex()
	if err := IndexDepartments(ix, DefaultDepartments); err != nil {
		return Services{}, err
	}

	return Services{
		Alerter:   NewMemoryAlerter(),
		Pharmacy:  pharmacy,
		Patients:  patients,
		Scheduler: NewMemoryScheduler(slots),
		Labs:      labs,
		Catalog:   catalog,
		Search:    ix,
	}, nil
}
