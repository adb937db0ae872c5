package storage

import (
	"errors"
	"time"

	"github.com/cronpostps/cronpost/internal/schedule"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Config configures storage. Driver must be "sqlite" (the only backend);
// Path is the database file.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// DispatchStatus tracks a follow schedule through the dispatch worker.
type DispatchStatus string

const (
	DispatchPending       DispatchStatus = "pending"
	DispatchProcessing    DispatchStatus = "processing"
	DispatchPartiallySent DispatchStatus = "partially_sent"
	DispatchSent          DispatchStatus = "sent"
	DispatchFailed        DispatchStatus = "failed"
)

// FollowJob is one follow-message schedule row as the worker sees it.
type FollowJob struct {
	ID               int64
	UserID           string
	MessageID        string
	Rule             schedule.FollowRule
	RepeatsRemaining int
	NextSendAt       *time.Time
	Status           DispatchStatus
}

// FollowResult records the outcome of one dispatch attempt.
type FollowResult struct {
	RepeatsRemaining int
	NextSendAt       *time.Time
	Status           DispatchStatus
}

// CheckinEntry is one check-in log record.
type CheckinEntry struct {
	ID     int64
	UserID string
	At     time.Time
	Method string
}

// Message is a stored message shell. Bodies live with the delivery
// collaborator; only scheduling metadata is kept here.
type Message struct {
	ID        string
	UserID    string
	IsInitial bool
	Status    string
	SentAt    *time.Time
}
