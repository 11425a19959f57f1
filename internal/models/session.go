package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a recording session.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionAcquiring SessionState = "acquiring"
	SessionRecording SessionState = "recording"
	SessionRotating  SessionState = "rotating_segment"
	SessionStopping  SessionState = "stopping"
	SessionStopped   SessionState = "stopped"
	SessionFailed    SessionState = "failed"
)

// Terminal reports whether the session can never record again.
func (s SessionState) Terminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// Segment is one fixed-duration slice of continuous recording. Missing marks
// a segment whose upload failed permanently (a gap in the evidence trail).
type Segment struct {
	SequenceIndex   int       `json:"sequence_index"`
	VideoLocator    string    `json:"video_locator,omitempty"`
	AudioLocator    string    `json:"audio_locator,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	UploadedAt      time.Time `json:"uploaded_at,omitempty"`
	Missing         bool      `json:"missing,omitempty"`
}

// RecordingSession ties continuous evidence capture to one fraud alert.
// Segments are append-only and ordered by SequenceIndex starting at 0.
type RecordingSession struct {
	RecordingID uuid.UUID    `json:"recording_id"`
	AlertID     uuid.UUID    `json:"alert_id"`
	State       SessionState `json:"state"`
	StartedAt   time.Time    `json:"started_at"`
	StoppedAt   *time.Time   `json:"stopped_at,omitempty"`
	Segments    []Segment    `json:"segments"`
}
