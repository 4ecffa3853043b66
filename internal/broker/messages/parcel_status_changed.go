package messages

import (
	"time"
)

const TopicParcelStatusChanged = "parcel.status_changed"

type ParcelStatusChanged struct {
	EventID      uint64    `json:"event_id"`
	ParcelID     string    `json:"parcel_id"`
	TrackingCode string    `json:"tracking_code"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	ActorRef     string    `json:"actor_ref"`
	ActorRole    string    `json:"actor_role"`
	Notes        *string   `json:"notes,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
