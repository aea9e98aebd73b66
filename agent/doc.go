// Package agent declares the specialist agents: for each one its system
// instruction, tool whitelist, model tier and target structured response
// shape. DefaultCatalog returns the built-in set; LoadOverrides adapts it
// from a YAML file at process start.
package agent
