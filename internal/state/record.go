// Package state reads and publishes the run-state snapshot: one row per
// source describing its last cache and conform outcome.
package state

import "github.com/nucleus/source-pipeline/internal/source"

// Record is one snapshot row. Processed is nil when the source has no
// conformed output.
type Record struct {
	Source      source.ID
	Cache       string
	Version     string
	Fingerprint string
	Processed   *string
}

// Locator returns a Processed value for loc; the empty string means null.
func Locator(loc string) *string {
	if loc == "" {
		return nil
	}
	return &loc
}

// ProcessedValue returns the processed locator or the empty string.
func (r Record) ProcessedValue() string {
	if r.Processed == nil {
		return ""
	}
	return *r.Processed
}
