package agent

import (
	"github.com/hupe1980/careflow/core"
	"github.com/hupe1980/careflow/model"
)

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func strEnum(desc string, values ...string) map[string]any {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]any{"type": "string", "description": desc, "enum": enum}
}

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func strList(desc string) map[string]any {
	return map[string]any{"type": "array", "description": desc, "items": map[string]any{"type": "string"}}
}

func objList(desc string, props map[string]any) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": desc,
		"items":       map[string]any{"type": "object", "properties": props},
	}
}

func obj(desc string, props map[string]any) map[string]any {
	return map[string]any{"type": "object", "description": desc, "properties": props}
}

// ResponseSchema builds a structured response shape: the shared keys
// (thinking_progress, final_response, confidence_score, ui_action) plus the
// agent's domain fields. final_response and confidence_score are required in
// addition to required.
func ResponseSchema(name, description string, domain map[string]any, required ...string) model.Schema {
	props := map[string]any{
		core.FieldThinkingProgress: strList("Short process steps, oldest first"),
		core.FieldFinalResponse:    str("Answer shown to the patient"),
		core.FieldConfidenceScore:  map[string]any{"type": "number", "description": "Confidence between 0 and 1"},
		core.FieldUIAction: obj("Optional interactive component for the client", map[string]any{
			"type":    str("Component type"),
			"payload": map[string]any{"type": "object"},
		}),
	}
	for k, v := range domain {
		props[k] = v
	}

	req := []string{core.FieldFinalResponse, core.FieldConfidenceScore}
	req = append(req, required...)

	return model.Schema{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   req,
		},
	}
}

func triageCodes() []string {
	out := make([]string, len(core.TriageCodes))
	for i, c := range core.TriageCodes {
		out[i] = string(c)
	}
	return out
}

var (
	triageSchema = ResponseSchema("triage_response", "Urgency assessment", map[string]any{
		"triage_code":                 strEnum("Urgency classification", triageCodes()...),
		"recommended_department":      str("Department the patient should attend"),
		"red_flags":                   strList("Warning signs identified"),
		"requires_human_intervention": boolean("Whether a clinician must take over"),
		"intervention_reason":         str("Why a clinician is needed"),
	})

	pharmacistSchema = ResponseSchema("pharmacist_response", "Medication guidance", map[string]any{
		"drug_interactions": objList("Interactions found between the drugs discussed", map[string]any{
			"drugs":       strList("Drugs involved"),
			"severity":    str("minor, moderate, major or contraindicated"),
			"description": str("Clinical effect"),
		}),
		"dosage_guidance": str("General dosage guidance"),
	})

	consultantSchema = ResponseSchema("consultant_response", "Visit guidance and booking", map[string]any{
		"matched_departments": strList("Departments matching the symptoms, best first"),
		"appointment_info": obj("Booked or proposed appointment", map[string]any{
			"department": str("Department"),
			"slot":       str("Appointment slot"),
			"status":     str("proposed or confirmed"),
		}),
	})

	clinicalSchema = ResponseSchema("clinical_response", "Clinical reasoning", map[string]any{
		"differential_diagnosis": strList("Possible diagnoses, most likely first"),
		"recommended_tests":      strList("Suggested investigations"),
		"clinical_notes":         str("Notes for the treating clinician"),
	})

	paraclinicalSchema = ResponseSchema("paraclinical_response", "Laboratory and imaging", map[string]any{
		"lab_orders":     strList("Laboratory tests ordered or proposed"),
		"imaging_orders": strList("Imaging studies ordered or proposed"),
		"interpretation": str("Interpretation of available results"),
	})

	marketingSchema = ResponseSchema("marketing_response", "Services and promotions", map[string]any{
		"services":   strList("Relevant service names"),
		"promotions": strList("Current promotions"),
	})

	summarizeSchema = ResponseSchema("summary_response", "Conversation summary", map[string]any{
		"summary":    str("Concise summary of the conversation"),
		"key_points": strList("Key facts and decisions"),
	})
)
