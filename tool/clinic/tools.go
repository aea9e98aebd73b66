package clinic

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/tool"
)

// Tool names.
const (
	TriggerEmergencyAlertName = "trigger_emergency_alert"
	CheckDrugInteractionsName = "check_drug_interactions"
	LookupPatientName         = "lookup_patient"
	SearchDepartmentsName     = "search_departments"
	ShowBookingFormName       = "show_booking_form"
	BookAppointmentName       = "book_appointment"
	OrderLabTestName          = "order_lab_test"
	GetLabResultsName         = "get_lab_results"
	ListServicesName          = "list_services"
)

// UIActionBookingForm is the UI action type rendered by show_booking_form.
const UIActionBookingForm = "booking_form"

type alertArgs struct {
	Reason     string `json:"reason" description:"Short clinical reason for the alert"`
	TriageCode string `json:"triage_code,omitempty" description:"Urgency code" enum:"CODE_BLUE,CODE_RED,CODE_YELLOW,CODE_GREEN"`
	Location   string `json:"location,omitempty" description:"Where the patient is"`
	PatientID  string `json:"patient_id,omitempty" description:"Patient identifier if known"`
}

type interactionArgs struct {
	Drugs                     []string `json:"drugs" description:"Drug names to check against each other"`
	IncludeCurrentMedications bool     `json:"include_current_medications,omitempty" description:"Also check the patient's current medications"`
}

type patientArgs struct {
	PatientID string `json:"patient_id,omitempty" description:"Patient identifier; defaults to the session patient"`
}

type searchArgs struct {
	Query string `json:"query" description:"Symptoms or topic to match departments against"`
	Limit int    `json:"limit,omitempty" description:"Maximum number of departments"`
}

type bookingFormArgs struct {
	Department string `json:"department" description:"Department to book"`
	Reason     string `json:"reason,omitempty" description:"Reason for the visit"`
}

type bookArgs struct {
	Department string `json:"department" description:"Department to book"`
	Slot       string `json:"slot" description:"Slot returned by show_booking_form"`
	Reason     string `json:"reason,omitempty" description:"Reason for the visit"`
	PatientID  string `json:"patient_id,omitempty" description:"Patient identifier; defaults to the session patient"`
}

type labOrderArgs struct {
	TestCode  string `json:"test_code" description:"Laboratory test code, e.g. CBC, INR, HBA1C"`
	Priority  string `json:"priority,omitempty" description:"Order priority" enum:"routine,urgent,stat"`
	PatientID string `json:"patient_id,omitempty" description:"Patient identifier; defaults to the session patient"`
}

type serviceArgs struct {
	Category string `json:"category,omitempty" description:"Service category, e.g. checkup, vaccination, consultation"`
}

// bind decodes validated tool arguments into a typed struct.
func bind[T any](name string, args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, tool.NewToolError(name, err.Error(), tool.CodeValidation)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, tool.NewToolError(name, fmt.Sprintf("invalid arguments: %v", err), tool.CodeValidation)
	}
	return out, nil
}

// serviceError maps collaborator errors onto tool error codes.
func serviceError(name string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &tool.ToolError{Tool: name, Message: err.Error(), Code: tool.CodeNotFound, Details: err}
	}
	return &tool.ToolError{Tool: name, Message: err.Error(), Code: tool.CodeExecution, Details: err}
}

// patientID resolves an explicit id or the one in the patient context.
func patientID(name, explicit string, tc *core.ToolContext) (string, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	if pc := tc.PatientContext(); pc != nil {
		if id, ok := pc["patient_id"].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", tool.NewToolError(name, "patient_id is required when no patient is attached to the session", tool.CodeValidation)
}

// NewTools builds every domain tool bound to svc.
func NewTools(svc Services) ([]tool.Tool, error) {
	if err := svc.Validate(); err != nil {
		return nil, err
	}

	return []tool.Tool{
		newTriggerEmergencyAlert(svc.Alerter),
		newCheckDrugInteractions(svc.Pharmacy),
		newLookupPatient(svc.Patients),
		newSearchDepartments(svc),
		newShowBookingForm(svc.Scheduler),
		newBookAppointment(svc.Scheduler),
		newOrderLabTest(svc.Labs),
		newGetLabResults(svc.Labs),
		newListServices(svc.Catalog),
	}, nil
}

func newTriggerEmergencyAlert(alerter Alerter) tool.Tool {
	return tool.NewFunctionToolFromStruct(TriggerEmergencyAlertName,
		"Dispatch an emergency alert to on-site staff. Use immediately for life-threatening symptoms.",
		alertArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			in, err := bind[alertArgs](TriggerEmergencyAlertName, args)
			if err != nil {
				return nil, err
			}

			code := tc.TriageCode()
			if in.TriageCode != "" {
				code, _ = core.ParseTriageCode(in.TriageCode)
			}
			if code == "" {
				code = core.CodeRed
			}

			receipt, err := alerter.TriggerAlert(tc.Context(), Alert{
				PatientID:  in.PatientID,
				Location:   in.Location,
				Reason:     in.Reason,
				TriageCode: code,
				SessionID:  tc.SessionID(),
			})
			if err != nil {
				return nil, serviceError(TriggerEmergencyAlertName, err)
			}

			tc.LogWarn("clinic.alert.dispatched", "alert_id", receipt.ID, "triage_code", string(code))

			return map[string]any{
				"alert_id":    receipt.ID,
				"status":      receipt.Status,
				"triage_code": string(code),
				"message":     "Emergency team has been notified.",
			}, nil
		})
}

func newCheckDrugInteractions(pharmacy Pharmacy) tool.Tool {
	return tool.NewFunctionToolFromStruct(CheckDrugInteractionsName,
		"Check a list of drugs for known interactions.",
		interactionArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			in, err := bind[interactionArgs](CheckDrugInteractionsName, args)
			if err != nil {
				return nil, err
			}

			drugs := append([]string(nil), in.Drugs...)
			if in.IncludeCurrentMedications {
				drugs = append(drugs, currentMedications(tc.PatientContext())...)
			}
			if len(drugs) < 2 {
				return nil, tool.NewToolError(CheckDrugInteractionsName, "at least two drugs are required", tool.CodeValidation)
			}

			found, err := pharmacy.CheckInteractions(tc.Context(), drugs)
			if err != nil {
				return nil, serviceError(CheckDrugInteractionsName, err)
			}

			return map[string]any{
				"drugs":        drugs,
				"interactions": found,
				"count":        len(found),
			}, nil
		})
}

func currentMedications(pc map[string]any) []string {
	switch meds := pc["medications"].(type) {
	case []string:
		return meds
	case []any:
		out := make([]string, 0, len(meds))
		for _, m := range meds {
			if s, ok := m.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func newLookupPatient(patients Patients) tool.Tool {
	return tool.NewFunctionToolFromStruct(LookupPatientName,
		"Look up the patient record: allergies, medications and known conditions.",
		patientArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			in, err := bind[patientArgs](LookupPatientName, args)
			if err != nil {
				return nil, err
			}
			id, err := patientID(LookupPatientName, in.PatientID, tc)
			if err != nil {
				return nil, err
			}
			p, err := patients.GetPatient(tc.Context(), id)
			if err != nil {
				return nil, serviceError(LookupPatientName, err)
			}
			return p, nil
		})
}

func newSearchDepartments(svc Services) tool.Tool {
	return tool.NewFunctionToolFromStruct(SearchDepartmentsName,
		"Find the departments best matching the patient's symptoms.",
		searchArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			in, err := bind[searchArgs](SearchDepartmentsName, args)
			if err != nil {
				return nil, err
			}
			limit := in.Limit
			if limit <= 0 {
				limit = 3
			}

			hits, err := svc.Search.Search(tc.Context(), CollectionDepartments, in.Query, limit)
			if err != nil {
				return nil, serviceError(SearchDepartmentsName, err)
			}

			matches := make([]map[string]any, 0, len(hits))
			for _, h := range hits {
				matches = append(matches, map[string]any{
					"department":  h.Label("department"),
					"description": h.Content,
					"rank":        h.Rank,
					"score":       math.Round(h.Score*1000) / 1000,
				})
			}
			tc.SetState("matched_departments", matches)

			return map[string]any{"matched_departments": matches}, nil
		})
}

func newShowBookingForm(scheduler Scheduler) tool.Tool {
	return tool.NewFunctionToolFromStruct(ShowBookingFormName,
		"Show the patient an interactive booking form with the free slots of a department.",
		bookingFormArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			in, err := bind[bookingFormArgs](ShowBookingFormName, args)
			if err != nil {
				return nil, err
			}
			slots, err := scheduler.AvailableSlots(tc.Context(), in.Department)
			if err != nil {
				return nil, serviceError(ShowBookingFormName, err)
			}

			anySlots := make([]any, len(slots))
			for i, s := range slots {
				anySlots[i] = s
			}

			payload := map[string]any{
				"department": strings.ToLower(strings.TrimSpace(in.Department)),
				"slots":      anySlots,
			}
			if in.Reason != "" {
				payload["reason"] = in.Reason
			}
			tc.ShowUIAction(core.UIAction{Type: UIActionBookingForm, Payload: payload})

			return map[string]any{
				"displayed":       true,
				"available_slots": slots,
			}, nil
		})
}

func newBookAppointment(scheduler Scheduler) tool.Tool {
	return tool.NewFunctionToolFromStruct(BookAppointmentName,
		"Book an appointment slot for the patient.",
		bookArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			in, err := bind[bookArgs](BookAppointmentName, args)
			if err != nil {
				return nil, err
			}
			id, _ := patientID(BookAppointmentName, in.PatientID, tc)

			appt, err := scheduler.Book(tc.Context(), Appointment{
				PatientID:  id,
				Department: in.Department,
				Slot:       in.Slot,
				Reason:     in.Reason,
			})
			if err != nil {
				if errors.Is(err, ErrSlotUnavailable) {
					return nil, &tool.ToolError{Tool: BookAppointmentName, Message: err.Error(), Code: tool.CodeValidation, Details: err}
				}
				return nil, serviceError(BookAppointmentName, err)
			}
			tc.SetState("appointment_info", appt)

			return appt, nil
		})
}

func newOrderLabTest(labs Labs) tool.Tool {
	return tool.NewFunctionToolFromStruct(OrderLabTestName,
		"Order a laboratory test for the patient.",
		labOrderArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			in, err := bind[labOrderArgs](OrderLabTestName, args)
			if err != nil {
				return nil, err
			}
			id, err := patientID(OrderLabTestName, in.PatientID, tc)
			if err != nil {
				return nil, err
			}
			order, err := labs.Order(tc.Context(), LabOrder{
				PatientID: id,
				TestCode:  strings.ToUpper(strings.TrimSpace(in.TestCode)),
				Priority:  in.Priority,
			})
			if err != nil {
				return nil, serviceError(OrderLabTestName, err)
			}
			return order, nil
		})
}

func newGetLabResults(labs Labs) tool.Tool {
	return tool.NewFunctionToolFromStruct(GetLabResultsName,
		"Read the patient's latest laboratory results.",
		patientArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			in, err := bind[patientArgs](GetLabResultsName, args)
			if err != nil {
				return nil, err
			}
			id, err := patientID(GetLabResultsName, in.PatientID, tc)
			if err != nil {
				return nil, err
			}
			results, err := labs.Results(tc.Context(), id)
			if err != nil {
				return nil, serviceError(GetLabResultsName, err)
			}
			return map[string]any{"patient_id": id, "results": results}, nil
		})
}

func newListServices(catalog Catalog) tool.Tool {
	return tool.NewFunctionToolFromStruct(ListServicesName,
		"List clinic services with prices and current promotions.",
		serviceArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			in, err := bind[serviceArgs](ListServicesName, args)
			if err != nil {
				return nil, err
			}
			services, err := catalog.Services(tc.Context(), in.Category)
			if err != nil {
				return nil, serviceError(ListServicesName, err)
			}
			return map[string]any{"services": services}, nil
		})
}
