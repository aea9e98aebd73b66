// Package core provides the foundational domain types shared by every careflow
// component:
//
//   - State and Message (the mutable record threaded through one turn)
//   - StructuredResponse and UIAction (the terminal output of a specialist)
//   - Event (raw execution events consumed by the stream translator)
//   - RunContext / ToolContext (scoped execution and tool sandboxing)
//   - Error (the error taxonomy surfaced to clients)
//
// The package keeps orchestration, persistence and model concerns out of
// scope so that higher layers can depend on it without cycles.
package core
