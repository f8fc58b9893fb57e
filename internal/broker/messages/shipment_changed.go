package messages

import (
	"time"

	"github.com/BearBump/ptrack/internal/models"
	"github.com/BearBump/ptrack/internal/services/changeset"
)

// ShipmentChanged is published for every shipment that was added, removed or
// whose state changed during one poll.
type ShipmentChanged struct {
	Number   string `json:"number"`
	Carrier  string `json:"carrier"`
	Name     string `json:"name,omitempty"`
	Postcode string `json:"postcode,omitempty"`

	Change string `json:"change"`

	// Found is false when the carrier had no data for the shipment.
	Found            bool                  `json:"found"`
	State            models.PackageState   `json:"state"`
	ShortDescription string                `json:"short_description,omitempty"`
	AdditionalInfo   string                `json:"additional_info,omitempty"`
	LastUpdate       *time.Time            `json:"last_update,omitempty"`
	Progress         models.Progress       `json:"progress"`
	Delivered        bool                  `json:"delivered"`
	Latest           *models.TrackingEvent `json:"latest,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// Key is the partitioning key: all events of one shipment stay in order.
func (m ShipmentChanged) Key() string {
	return m.Carrier + ":" + m.Number
}

func NewShipmentChanged(e changeset.Entry, observedAt time.Time) ShipmentChanged {
	m := ShipmentChanged{
		Number:     e.ID.Number,
		Carrier:    e.ID.Source,
		Name:       e.ID.ReadableName,
		Postcode:   e.ID.Postcode,
		Change:     e.Change.String(),
		State:      models.StateUnknown,
		ObservedAt: observedAt.UTC(),
	}
	if e.Change == changeset.Kept && e.Updated {
		m.Change = "updated"
	}
	st := e.State
	if st == nil {
		return m
	}
	m.Found = true
	m.State = st.State
	m.ShortDescription = st.ShortDescription
	m.AdditionalInfo = st.AdditionalInfo
	m.Progress = st.Progress
	m.Delivered = st.IsDelivered
	if !models.IsUnknownTime(st.LastUpdate) {
		t := st.LastUpdate.UTC()
		m.LastUpdate = &t
	}
	if ev, ok := st.LatestUpdate(); ok {
		m.Latest = &ev
	}
	return m
}
