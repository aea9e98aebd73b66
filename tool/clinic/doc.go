// Package clinic declares the domain tools specialist agents may call and the
// collaborator interfaces they reach: alerting, pharmacy, patient records,
// scheduling, laboratory and the service catalog. In-memory implementations
// back development deployments and tests.
package clinic
