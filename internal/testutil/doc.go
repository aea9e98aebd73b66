// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing turn state and draining event
// channels. They are not intended for production usage.
package testutil
