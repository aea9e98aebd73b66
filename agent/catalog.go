package agent

import (
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/model"
	"github.com/hupe1980/careflow/tool"
	"github.com/hupe1980/careflow/tool/clinic"
)

const sharedRules = `
Rules:
- You are an assistant inside a clinic, not a replacement for a clinician.
- Answer in the language of the patient. Be concise and kind.
- Use tools when they give you facts you do not have. Never invent records.
- If a tool fails, explain what you could not do and continue.
- If the request belongs to another specialist call transfer_to_agent.
{{- if .triage_code}}
- The patient was triaged as {{.triage_code}}.
{{- end}}
{{- if .patient_json}}

Patient context: {{.patient_json}}
{{- end}}`

const triageInstruction = `You are the triage nurse of the clinic. Assess urgency from the symptoms.
Classify with exactly one code: CODE_BLUE (cardiac or respiratory arrest), CODE_RED (life threatening,
immediate care), CODE_YELLOW (urgent, within hours), CODE_GREEN (non urgent).
For CODE_BLUE or CODE_RED call trigger_emergency_alert before answering and tell the patient help is coming.
Call escalate_to_human when the patient is in distress or asks for a person.` + sharedRules

const clinicalInstruction = `You are the clinical reasoning assistant. Work through the presenting complaint,
history and available results. Propose a differential diagnosis and the next investigations.
Read the patient record with lookup_patient and results with get_lab_results before reasoning.` + sharedRules

const consultantInstruction = `You are the front desk consultant of the clinic. Help patients find the right
department and book visits. Use search_departments to match symptoms to departments, show_booking_form to
offer slots and book_appointment once the patient has chosen a slot. Answer general questions about the
clinic and its services.` + sharedRules

const pharmacistInstruction = `You are the clinic pharmacist. Answer medication questions, dosage and
side effects. Always run check_drug_interactions when two or more drugs are mentioned, including the
patient's current medications when known. Report every interaction with its severity.` + sharedRules

const paraclinicalInstruction = `You are the laboratory and imaging assistant. Order tests with
order_lab_test when a clinician asked for them, read results with get_lab_results and explain them in
plain language with their reference ranges.` + sharedRules

const marketingInstruction = `You are the services advisor of the clinic. Present services, prices and
current promotions using list_services. Do not give medical advice.` + sharedRules

const summarizeInstruction = `You summarize the conversation so far for the clinical team. List symptoms,
decisions, bookings, orders and open questions. Do not add facts that were not discussed.` + sharedRules

// DefaultAgent is the general agent used when routing is ambiguous.
const DefaultAgent = core.AgentConsultant

// DefaultCatalog returns the built-in specialists. Every call returns fresh
// specs that may be modified.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultSpecs()...)
	if err != nil {
		panic(err)
	}
	return c
}

func temp(v float64) *float64 { return &v }

func defaultSpecs() []*Spec {
	handoff := tool.TransferToAgentName
	escalate := tool.EscalateToHumanName

	specs := []*Spec{
		{
			Name:        core.AgentClinical,
			Description: "Clinical reasoning: symptoms, differential diagnosis, investigations",
			Instruction: NewInstructionFromText(clinicalInstruction),
			Tools:       []string{clinic.LookupPatientName, clinic.GetLabResultsName, handoff, escalate},
			Tier:        model.TierReasoning,
			Temperature: temp(0.2),
			Schema:      clinicalSchema,
		},
		{
			Name:           core.AgentTriage,
			Description:    "Urgency assessment and emergencies",
			Instruction:    NewInstructionFromText(triageInstruction),
			Tools:          []string{clinic.TriggerEmergencyAlertName, clinic.LookupPatientName, handoff, escalate},
			Tier:           model.TierStandard,
			Temperature:    temp(0),
			Schema:         triageSchema,
			Discriminators: []string{"triage_code"},
		},
		{
			Name:           core.AgentConsultant,
			Description:    "General questions, department matching and appointment booking",
			Instruction:    NewInstructionFromText(consultantInstruction),
			Tools:          []string{clinic.SearchDepartmentsName, clinic.ShowBookingFormName, clinic.BookAppointmentName, clinic.ListServicesName, handoff},
			Tier:           model.TierStandard,
			Temperature:    temp(0.3),
			Schema:         consultantSchema,
			Discriminators: []string{"matched_departments", "appointment_info"},
		},
		{
			Name:           core.AgentPharmacist,
			Description:    "Medications, dosage and drug interactions",
			Instruction:    NewInstructionFromText(pharmacistInstruction),
			Tools:          []string{clinic.CheckDrugInteractionsName, clinic.LookupPatientName, handoff},
			Tier:           model.TierReasoning,
			Temperature:    temp(0),
			Schema:         pharmacistSchema,
			Discriminators: []string{"drug_interactions"},
		},
		{
			Name:        core.AgentParaclinical,
			Description: "Laboratory tests, imaging and result interpretation",
			Instruction: NewInstructionFromText(paraclinicalInstruction),
			Tools:       []string{clinic.OrderLabTestName, clinic.GetLabResultsName, handoff},
			Tier:        model.TierStandard,
			Temperature: temp(0.2),
			Schema:      paraclinicalSchema,
		},
		{
			Name:        core.AgentMarketing,
			Description: "Services, prices and promotions",
			Instruction: NewInstructionFromText(marketingInstruction),
			Tools:       []string{clinic.ListServicesName, handoff},
			Tier:        model.TierFast,
			Temperature: temp(0.5),
			Schema:      marketingSchema,
		},
		{
			Name:        core.AgentSummarize,
			Description: "Summary of the conversation for staff",
			Instruction: NewInstructionFromText(summarizeInstruction),
			Tier:        model.TierFast,
			Temperature: temp(0),
			Schema:      summarizeSchema,
		},
	}

	for i, s := range specs {
		specs[i] = s.Clone()
	}

	return specs
}
