package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertStatus represents the moderation lifecycle of a fraud alert.
type AlertStatus string

const (
	AlertStatusPending   AlertStatus = "pending"
	AlertStatusReviewing AlertStatus = "reviewing"
	AlertStatusConfirmed AlertStatus = "confirmed"
	AlertStatusRejected  AlertStatus = "rejected"
)

// statusRank orders statuses for the forward-only transition rule.
// There is no transition back to pending.
var statusRank = map[AlertStatus]int{
	AlertStatusPending:   0,
	AlertStatusReviewing: 1,
	AlertStatusConfirmed: 2,
	AlertStatusRejected:  2,
}

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransitionTo reports whether moderation may advance from s to next.
// Transitions are monotonic: pending -> reviewing -> confirmed|rejected.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// FraudAlert is a user-submitted report of suspected electoral fraud.
// The optional media attachment is the still/audio file submitted with the
// form, distinct from the continuous evidence recording.
type FraudAlert struct {
	ID          uuid.UUID   `json:"id"`
	Description string      `json:"description"`
	Location    string      `json:"location"`
	MediaURL    string      `json:"media_url,omitempty"`
	MediaType   string      `json:"media_type,omitempty"`
	Status      AlertStatus `json:"status"`
	UserID      *uuid.UUID  `json:"user_id,omitempty"` // nil = anonymous submission
	CreatedAt   time.Time   `json:"created_at"`
}
