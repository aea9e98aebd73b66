// Package model defines the chat-completion and structured-output
// capabilities consumed by careflow, independent of any vendor SDK.
//
// A Model streams Response chunks; the final chunk carries a tagged Result
// (TextResult or ToolCallResult) so callers branch on the tag instead of
// probing content. Complete drains a Generate call into a Completion.
//
// A Formatter coerces free text into a target Schema. SchemaFormatter builds
// one on top of any Model.
//
// Set groups one Model per Tier and is constructed once at process start.
// MockModel and MockFormatter provide scripted doubles for tests.
package model
