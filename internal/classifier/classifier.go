// Package classifier decides which local events are invitations.
//
// The predicate is pure: it looks only at the fields of the raw event and at
// its own configuration. Self-created events never qualify, which is what keeps
// ordinary calendar entries out of the sync.
package classifier

import (
	"errors"
	"fmt"
	"strings"

	"invitesync/internal/models"

	"golang.org/x/text/cases"
)

// DefaultKeywords mark an event as an invitation when found in its subject or body.
var DefaultKeywords = []string{"meeting request", "invitation", "invited"}

// ErrMalformed is matched by every ClassificationError.
var ErrMalformed = errors.New("malformed event")

// ClassificationError reports a raw event that cannot be classified.
type ClassificationError struct {
	Key    string
	Reason string
}

func (e *ClassificationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("malformed event: %s", e.Reason)
	}
	return fmt.Sprintf("malformed event %s: %s", e.Key, e.Reason)
}

func (e *ClassificationError) Is(target error) bool {
	return target == ErrMalformed
}

// Classifier holds the local user's identities and the invitation keywords.
type Classifier struct {
	localUsers []string
	keywords   []string
}

// New creates a Classifier. Nil keywords select DefaultKeywords; an empty
// non-nil slice disables keyword matching.
func New(localUsers, keywords []string) *Classifier {
	if keywords == nil {
		keywords = DefaultKeywords
	}
	c := &Classifier{}
	for _, u := range localUsers {
		if id := normalizeIdentity(u); id != "" {
			c.localUsers = append(c.localUsers, id)
		}
	}
	fold := cases.Fold()
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			c.keywords = append(c.keywords, fold.String(k))
		}
	}
	return c
}

// Classify normalizes raw and decides whether it is an invitation.
func (c *Classifier) Classify(raw models.RawEvent) (models.ClassifiedEvent, error) {
	ev := models.NewSourceEvent(raw)
	if err := validate(raw, ev); err != nil {
		return models.ClassifiedEvent{SourceEvent: ev}, err
	}
	return models.ClassifiedEvent{SourceEvent: ev, IsInvitation: c.IsInvitation(ev)}, nil
}

// IsInvitation applies the invitation rules to a normalized event:
// an organizer other than the local user, or a keyword in subject or body.
// An organizer equal to the local user always means self-created.
func (c *Classifier) IsInvitation(ev models.SourceEvent) bool {
	organizer := normalizeIdentity(ev.Organizer)
	if organizer != "" {
		if c.isLocalUser(organizer) {
			return false
		}
		return true
	}
	return c.hasKeyword(ev.Subject) || c.hasKeyword(ev.Body)
}

func (c *Classifier) isLocalUser(identity string) bool {
	for _, u := range c.localUsers {
		if u == identity {
			return true
		}
	}
	return false
}

func (c *Classifier) hasKeyword(text string) bool {
	if text == "" || len(c.keywords) == 0 {
		return false
	}
	folded := cases.Fold().String(text)
	for _, k := range c.keywords {
		if strings.Contains(folded, k) {
			return true
		}
	}
	return false
}

func validate(raw models.RawEvent, ev models.SourceEvent) error {
	if ev.Subject == "" && strings.TrimSpace(raw.NativeID) == "" {
		return &ClassificationError{Key: ev.Key, Reason: "no subject and no native id"}
	}
	if raw.Start.IsZero() {
		return &ClassificationError{Key: ev.Key, Reason: "missing start time"}
	}
	if !raw.End.IsZero() && raw.End.Before(raw.Start) {
		return &ClassificationError{Key: ev.Key, Reason: "end before start"}
	}
	return nil
}

// normalizeIdentity lowercases an identity and strips a mailto: scheme.
func normalizeIdentity(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "mailto:")
	return strings.TrimSpace(s)
}
