// Package alert holds the types shared between the match buffer and the
// alert deduplication store.
package alert

import (
	"context"
	"time"
)

// GroupingKey identifies the alert a matched event belongs to. Events
// sharing a key within the merge period collapse into one alert.
type GroupingKey struct {
	RuleID  string
	LogType string
	Dedup   string
}

// Info describes the alert a batch of matches was attributed to.
type Info struct {
	AlertID      string
	CreationTime time.Time
	UpdateTime   time.Time
}

// Merger attributes a batch of matched events to a new or existing
// alert and returns its identity and timestamps.
type Merger interface {
	UpdateGetAlertInfo(ctx context.Context, matchTime time.Time, numMatches int, key GroupingKey, severity, version, title string) (Info, error)
}
