// Package memory provides the ranked snippet retrieval used by domain tools
// (department lookup, service catalog, clinical notes). The Searcher
// interface is the boundary to a real vector-similarity backend; Index is a
// process-local implementation scoring snippets by term overlap.
package memory
