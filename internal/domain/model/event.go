// Package model contains domain models passed between layers.
package model

import (
	"encoding/json"
	"time"
)

// SourceType identifies the kind of external stream an event came from.
type SourceType string

// Known source types. Observers for other types may be registered at runtime.
const (
	SourceEmail  SourceType = "email"
	SourceGitHub SourceType = "github"
	SourceSlack  SourceType = "slack"
	SourceSpool  SourceType = "spool"
)

// Event is one atomic occurrence observed on a source.
// ID is stable across repeated observation of the same underlying item.
type Event struct {
	ID         string          `json:"id"`
	SourceType SourceType      `json:"source_type"`
	Timestamp  time.Time       `json:"timestamp"`
	Title      string          `json:"title,omitempty"`
	URL        string          `json:"url,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	RawSource  json.RawMessage `json:"raw_source,omitempty"`
}

// Key returns the dedupe identity of the event: ids are only unique per source type.
func (e *Event) Key() string {
	return string(e.SourceType) + ":" + e.ID
}

// Normalize fills defaults: a zero timestamp becomes observedAt (in UTC).
func (e *Event) Normalize(observedAt time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = observedAt
	}
	e.Timestamp = e.Timestamp.UTC()
}
