// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// EventMessage is a single domain event carried inside a commit.
type EventMessage struct {
	// Headers contains event-level metadata
	Headers map[string]any `json:"headers,omitempty" cbor:"headers,omitempty"`

	// Body is the event itself. It is opaque to the store and passed
	// through the configured serializer.
	Body any `json:"body" cbor:"body"`
}

// CommitAttempt is a caller-proposed batch of events for a single stream.
// It only becomes durable once a persistence engine accepts it.
type CommitAttempt struct {
	// CommitStamp is when the attempt was made. When zero, ToCommit
	// assigns the current UTC time.
	CommitStamp time.Time

	// Headers contains commit-level metadata
	Headers map[string]any

	// StreamName is an optional human-readable name for the stream
	StreamName string

	// Events are the ordered events of this commit
	Events []EventMessage

	// CommitSequence is the caller-assigned, 1-based, per-stream commit counter
	CommitSequence int

	// StreamRevision is the revision the stream reaches after applying Events
	StreamRevision int

	// StreamID identifies the stream
	StreamID uuid.UUID

	// CommitID is a client-generated identifier, unique per stream
	CommitID uuid.UUID
}

// Commit is the durable record of an accepted CommitAttempt.
// Commits are immutable once persisted.
type Commit struct {
	CommitStamp    time.Time
	Headers        map[string]any
	StreamName     string
	Events         []EventMessage
	CommitSequence int
	StreamRevision int
	StreamID       uuid.UUID
	CommitID       uuid.UUID
}

// ToCommit derives the authoritative Commit from the attempt.
// Fields are passed through unchanged, except for a zero CommitStamp.
//
//nolint:gocritic // hugeParam: attempts are value objects
func (a CommitAttempt) ToCommit() Commit {
	stamp := a.CommitStamp
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}
	return Commit{
		CommitStamp:    stamp,
		Headers:        a.Headers,
		StreamName:     a.StreamName,
		Events:         a.Events,
		CommitSequence: a.CommitSequence,
		StreamRevision: a.StreamRevision,
		StreamID:       a.StreamID,
		CommitID:       a.CommitID,
	}
}

// StreamToSnapshot identifies a stream whose distance from its last
// snapshot exceeds a caller-supplied threshold.
type StreamToSnapshot struct {
	StreamID       uuid.UUID
	StreamRevision int
}

// Snapshot is a materialized stream state at a given revision.
type Snapshot struct {
	// Payload is the deserialized snapshot state
	Payload        any
	StreamRevision int
	StreamID       uuid.UUID
}
