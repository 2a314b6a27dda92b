package models

import "time"

// Counters holds the per-tenant numeric state mutated exclusively by
// the Counter Engine.
type Counters struct {
	TenantID             string     `json:"tenantId"`
	Deaths               int        `json:"deaths"`
	Swears               int        `json:"swears"`
	Screams              int        `json:"screams"`
	Bits                 int        `json:"bits"`
	StreamStarted        *time.Time `json:"streamStarted"`
	LastNotifiedStreamID *string    `json:"lastNotifiedStreamId"`
	LastUpdated          time.Time  `json:"lastUpdated"`
}

// CounterKind names one of the four mutable counters.
type CounterKind string

const (
	KindDeaths  CounterKind = "deaths"
	KindSwears  CounterKind = "swears"
	KindScreams CounterKind = "screams"
	KindBits    CounterKind = "bits"
)

// CounterDelta is the change produced by a single mutation, reported in
// a counterUpdate record.
type CounterDelta struct {
	Deaths  int `json:"deaths"`
	Swears  int `json:"swears"`
	Screams int `json:"screams"`
	Bits    int `json:"bits"`
}

// SeriesSnapshot is a named, restorable capture of deaths/swears/bits.
type SeriesSnapshot struct {
	SeriesID    string    `json:"seriesId"`
	TenantID    string    `json:"tenantId"`
	SeriesName  string    `json:"seriesName"`
	Description string    `json:"description,omitempty"`
	Deaths      int       `json:"deaths"`
	Swears      int       `json:"swears"`
	Bits        int       `json:"bits"`
	SavedAt     time.Time `json:"savedAt"`
}

// Milestone is a one-shot record emitted when an increment crosses a
// configured threshold.
type Milestone struct {
	TenantID          string      `json:"tenantId"`
	Kind              CounterKind `json:"kind"`
	Threshold         int         `json:"threshold"`
	PreviousMilestone int         `json:"previousMilestone"`
}

// MilestoneThresholds is the tenant-configured ordered threshold list
// per counter kind used for milestone detection.
type MilestoneThresholds map[CounterKind][]int

// DefaultMilestoneThresholds returns a reasonable starting configuration;
// tenants may override it (the override mechanism lives in the overlay
// subsystem, out of scope here — see §9 Open Questions).
func DefaultMilestoneThresholds() MilestoneThresholds {
	return MilestoneThresholds{
		KindDeaths:  {10, 25, 50, 100, 250, 500, 1000},
		KindSwears:  {10, 25, 50, 100, 250, 500, 1000},
		KindScreams: {10, 25, 50, 100, 250, 500, 1000},
	}
}
