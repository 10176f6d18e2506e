package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// RawEvent is an event as read from the local calendar client, before any
// normalization. Only NativeID, Subject and Start are required to derive a key.
type RawEvent struct {
	NativeID  string    // Identifier assigned by the local client, may be empty
	Subject   string    // Summary or title of the event
	Start     time.Time // Start time of the event
	End       time.Time // End time of the event
	Organizer string    // Organizer identity (usually an email), may be empty
	Body      string    // Description snippet, scanned for invitation keywords
	Location  string    // Location of the event
	Calendar  string    // Name of the local calendar the event was read from
}

// SourceEvent is a normalized snapshot of a RawEvent for one read cycle.
type SourceEvent struct {
	Key       string
	Subject   string
	Start     time.Time
	End       time.Time
	Organizer string
	Body      string
	Location  string
	Calendar  string
}

// ClassifiedEvent is a SourceEvent plus the classifier's verdict.
// Only events with IsInvitation set are reconciled.
type ClassifiedEvent struct {
	SourceEvent
	IsInvitation bool
}

// NewSourceEvent normalizes a raw event and derives its source key.
func NewSourceEvent(raw RawEvent) SourceEvent {
	return SourceEvent{
		Key:       SourceKey(raw),
		Subject:   strings.TrimSpace(raw.Subject),
		Start:     raw.Start,
		End:       raw.End,
		Organizer: strings.TrimSpace(raw.Organizer),
		Body:      raw.Body,
		Location:  strings.TrimSpace(raw.Location),
		Calendar:  raw.Calendar,
	}
}

// SourceKey returns the stable identity of a raw event. The native id is
// preferred; events without one are identified by a content fingerprint of
// subject, start, end and organizer.
func SourceKey(raw RawEvent) string {
	if id := strings.TrimSpace(raw.NativeID); id != "" {
		return "src-" + id
	}
	return "fp-" + Fingerprint(raw.Subject, raw.Start, raw.End, raw.Organizer)
}

// Fingerprint hashes the identifying content of an event.
func Fingerprint(subject string, start, end time.Time, organizer string) string {
	input := strings.Join([]string{
		strings.TrimSpace(subject),
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
		strings.ToLower(strings.TrimSpace(organizer)),
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// NewEvent is the payload sent to a remote calendar when mirroring an invitation.
type NewEvent struct {
	SourceKey   string
	Subject     string
	Start       time.Time
	End         time.Time
	Organizer   string
	Location    string
	Description string
}
