package stream

// StatusLabels maps graph nodes and tool names to the progress labels shown
// to patients. Names missing from the table produce no status event.
var StatusLabels = map[string]string{
	"router":       "Understanding your request...",
	"triage":       "Assessing urgency...",
	"clinical":     "Reviewing your symptoms...",
	"consultant":   "Finding the right service for you...",
	"pharmacist":   "Checking your medications...",
	"paraclinical": "Reviewing laboratory and imaging...",
	"marketing":    "Looking up our services...",
	"summarize":    "Summarizing the conversation...",
	"human":        "Connecting you with our staff...",
	"format":       "Preparing the answer...",

	"trigger_emergency_alert": "Alerting the emergency team...",
	"check_drug_interactions": "Checking drug interactions...",
	"lookup_patient":          "Looking up your record...",
	"search_departments":      "Searching departments...",
	"show_booking_form":       "Preparing the booking form...",
	"book_appointment":        "Booking your appointment...",
	"order_lab_test":          "Ordering the test...",
	"get_lab_results":         "Fetching lab results...",
	"list_services":           "Listing services...",
	"transfer_to_agent":       "Handing over to a specialist...",
	"escalate_to_human":       "Escalating to our staff...",
}

// Label returns the status label for a node or tool name.
func Label(name string) (string, bool) {
	l, ok := StatusLabels[name]
	return l, ok
}
