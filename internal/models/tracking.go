package models

import (
	"fmt"
	"time"
)

// UnknownTime is what carriers report when an event carries no usable timestamp.
var UnknownTime = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

var knownTimeFloor = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// IsUnknownTime reports whether t should be shown as "unknown".
func IsUnknownTime(t time.Time) bool {
	return t.Before(knownTimeFloor)
}

// Identifier names one tracked shipment. All fields take part in equality, so the
// same number under two carriers (or two names) is tracked twice.
type Identifier struct {
	Number       string `json:"number"`
	Postcode     string `json:"postcode,omitempty"`
	Source       string `json:"source"`
	ReadableName string `json:"readable_name,omitempty"`
}

func (id Identifier) DisplayName() string {
	if id.ReadableName != "" {
		return id.ReadableName
	}
	return id.Number
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s:%s", id.Source, id.Number)
}

type PackageState int

const (
	StateUnknown              PackageState = -1
	StateAnnounced            PackageState = 0
	StateArrivedAtIngress     PackageState = 1
	StateOnTheWay             PackageState = 2
	StateArrivedAtDestination PackageState = 3
	StateOutForDelivery       PackageState = 4
	StateDelivered            PackageState = 5

	// Carrier specific stages.
	StateCustoms            PackageState = 100
	StateReadyForCollection PackageState = 101
)

var stateNames = map[PackageState]string{
	StateUnknown:              "UNKNOWN",
	StateAnnounced:            "ANNOUNCED",
	StateArrivedAtIngress:     "ARRIVED_AT_INGRESS",
	StateOnTheWay:             "ON_THE_WAY",
	StateArrivedAtDestination: "ARRIVED_AT_DESTINATION",
	StateOutForDelivery:       "OUT_FOR_DELIVERY",
	StateDelivered:            "DELIVERED",
	StateCustoms:              "CUSTOMS",
	StateReadyForCollection:   "READY_FOR_COLLECTION",
}

func (s PackageState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATE_%d", int(s))
}

func (s PackageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PackageState) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown package state %q", string(b))
}

// StateFromProgress maps the 0..5 step scale most carriers use onto a PackageState.
func StateFromProgress(step int) PackageState {
	switch step {
	case 0:
		return StateAnnounced
	case 1:
		return StateArrivedAtIngress
	case 2:
		return StateOnTheWay
	case 3:
		return StateArrivedAtDestination
	case 4:
		return StateOutForDelivery
	case 5:
		return StateDelivered
	default:
		return StateOnTheWay
	}
}

// Progress is (completed, total) steps; 0 <= Completed <= Total.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func (p Progress) Valid() bool {
	return p.Completed >= 0 && p.Completed <= p.Total
}

// Clamp returns p forced into the valid range.
func (p Progress) Clamp() Progress {
	if p.Total < 0 {
		p.Total = 0
	}
	if p.Completed < 0 {
		p.Completed = 0
	}
	if p.Completed > p.Total {
		p.Completed = p.Total
	}
	return p
}

type TrackingEvent struct {
	Text  string    `json:"text"`
	When  time.Time `json:"when"`
	Where string    `json:"where,omitempty"`
}

// TrackingState is the carrier-agnostic result of one lookup. A new lookup always
// produces a new value; states are never modified after an adapter returns them.
type TrackingState struct {
	ID               Identifier      `json:"id"`
	State            PackageState    `json:"state"`
	ShortDescription string          `json:"short_description"`
	AdditionalInfo   string          `json:"additional_info"`
	LastUpdate       time.Time       `json:"last_update"`
	Progress         Progress        `json:"progress"`
	IsDelivered      bool            `json:"is_delivered"`
	IsRetoure        *bool           `json:"is_retoure,omitempty"`
	IsExpress        *bool           `json:"is_express,omitempty"`
	Updates          []TrackingEvent `json:"updates"`
}

// LatestUpdate returns the newest event, if any.
func (s *TrackingState) LatestUpdate() (TrackingEvent, bool) {
	if s == nil || len(s.Updates) == 0 {
		return TrackingEvent{}, false
	}
	return s.Updates[0], true
}

// SameAs reports whether two states describe the same observable shipment status.
func (s *TrackingState) SameAs(o *TrackingState) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.State != o.State ||
		s.ShortDescription != o.ShortDescription ||
		s.AdditionalInfo != o.AdditionalInfo ||
		!s.LastUpdate.Equal(o.LastUpdate) ||
		s.Progress != o.Progress ||
		s.IsDelivered != o.IsDelivered ||
		len(s.Updates) != len(o.Updates) {
		return false
	}
	for i := range s.Updates {
		a, b := s.Updates[i], o.Updates[i]
		if a.Text != b.Text || a.Where != b.Where || !a.When.Equal(b.When) {
			return false
		}
	}
	return true
}

func BoolPtr(b bool) *bool { return &b }
