// Package source reads the local calendar client's events from an iCalendar
// export, either a file on disk or a published feed URL.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"invitesync/internal/models"
	"invitesync/internal/syncer"

	"github.com/emersion/go-ical"
)

// Options configures an ICSReader.
type Options struct {
	Location  string         // File path or http(s) URL of the .ics export
	Calendar  string         // Fallback calendar name when the export has no X-WR-CALNAME
	TimeZone  *time.Location // Zone for floating times; nil means time.Local
	Lookback  time.Duration  // Include events that started up to this long ago
	Lookahead time.Duration  // Include events starting up to this far ahead; zero means no limit
}

// ICSReader implements syncer.SourceReader over an iCalendar export.
type ICSReader struct {
	logger *slog.Logger
	opts   Options
	client *http.Client
	now    func() time.Time
}

// NewICSReader creates a new ICSReader.
func NewICSReader(logger *slog.Logger, opts Options) *ICSReader {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TimeZone == nil {
		opts.TimeZone = time.Local
	}
	return &ICSReader{
		logger: logger,
		opts:   opts,
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
	}
}

// ReadInvitationCandidates returns every non-cancelled event of the export
// that falls inside the read window.
func (r *ICSReader) ReadInvitationCandidates(ctx context.Context) ([]models.RawEvent, error) {
	body, err := r.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncer.ErrSourceUnavailable, err)
	}
	defer body.Close()

	from, to := r.window()
	var events []models.RawEvent
	var cancelled, outside int

	dec := ical.NewDecoder(body)
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode calendar: %v", syncer.ErrSourceUnavailable, err)
		}

		calName := r.opts.Calendar
		if p := cal.Props.Get("X-WR-CALNAME"); p != nil && p.Value != "" {
			calName = p.Value
		}

		overridden := r.overrides(cal)
		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			if p := comp.Props.Get(ical.PropStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
				cancelled++
				continue
			}
			ev := r.parseEvent(comp)
			ev.Calendar = calName

			if comp.Props.Get(ical.PropRecurrenceID) == nil {
				occurrences, recurring, err := r.expand(comp, ev, from, to, overridden[ev.NativeID])
				if err != nil {
					r.logger.Warn("Could not expand recurring event, reading it as a single event", "uid", ev.NativeID, "title", ev.Subject, "error", err)
				} else if recurring {
					events = append(events, occurrences...)
					continue
				}
			}

			if !ev.Start.IsZero() && (ev.Start.Before(from) || (!to.IsZero() && ev.Start.After(to))) {
				outside++
				continue
			}
			events = append(events, ev)
		}
	}

	r.logger.Debug("Read iCalendar export.", "location", r.opts.Location, "events", len(events),
		"cancelled", cancelled, "outsideWindow", outside)
	return events, nil
}

// maxExpansion bounds recurrence expansion when no lookahead is configured.
const maxExpansion = 366 * 24 * time.Hour

// expand returns the occurrences of a recurring master event that start
// inside [from, to]. Occurrences replaced by a RECURRENCE-ID override are
// left out; the override is read as an event of its own. recurring is false
// when the event has no RRULE.
func (r *ICSReader) expand(comp *ical.Component, master models.RawEvent, from, to time.Time, overridden map[string]bool) ([]models.RawEvent, bool, error) {
	set, err := comp.RecurrenceSet(r.opts.TimeZone)
	if err != nil {
		return nil, false, err
	}
	if set == nil {
		return nil, false, nil
	}
	if to.IsZero() {
		to = from.Add(maxExpansion)
	}

	var length time.Duration
	if !master.End.IsZero() && !master.Start.IsZero() {
		length = master.End.Sub(master.Start)
	}

	var out []models.RawEvent
	for _, start := range set.Between(from, to, true) {
		id := occurrenceID(start)
		if overridden[id] {
			continue
		}
		ev := master
		ev.Start = start
		ev.End = time.Time{}
		if length > 0 {
			ev.End = start.Add(length)
		}
		if master.NativeID != "" {
			ev.NativeID = master.NativeID + "/" + id
		}
		out = append(out, ev)
	}
	return out, true, nil
}

// overrides indexes the RECURRENCE-ID instances of cal by UID and occurrence.
// Cancelled instances are included so their occurrence is suppressed.
func (r *ICSReader) overrides(cal *ical.Calendar) map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		uid, rid := comp.Props.Get(ical.PropUID), comp.Props.Get(ical.PropRecurrenceID)
		if uid == nil || rid == nil {
			continue
		}
		t, err := rid.DateTime(r.opts.TimeZone)
		if err != nil {
			continue
		}
		if out[uid.Value] == nil {
			out[uid.Value] = make(map[string]bool)
		}
		out[uid.Value][occurrenceID(t)] = true
	}
	return out
}

func occurrenceID(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func (r *ICSReader) window() (from, to time.Time) {
	now := r.now()
	from = now.Add(-r.opts.Lookback)
	if r.opts.Lookahead > 0 {
		to = now.Add(r.opts.Lookahead)
	}
	return from, to
}

func (r *ICSReader) open(ctx context.Context) (io.ReadCloser, error) {
	loc := r.opts.Location
	if loc == "" {
		return nil, errors.New("no source location configured")
	}
	if !isURL(loc) {
		f, err := os.Open(loc)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("calendar export %s does not exist", loc)
		}
		return f, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP request failed with status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *ICSReader) parseEvent(comp *ical.Component) models.RawEvent {
	var ev models.RawEvent
	if p := comp.Props.Get(ical.PropUID); p != nil {
		ev.NativeID = p.Value
		// Recurring instances share a UID.
		if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil && rid.Value != "" {
			if t, err := rid.DateTime(r.opts.TimeZone); err == nil {
				ev.NativeID += "/" + occurrenceID(t)
			} else {
				ev.NativeID += "/" + rid.Value
			}
		}
	}
	if p := comp.Props.Get(ical.PropSummary); p != nil {
		ev.Subject = p.Value
	}
	if p := comp.Props.Get(ical.PropDescription); p != nil {
		ev.Body = p.Value
	}
	if p := comp.Props.Get(ical.PropLocation); p != nil {
		ev.Location = p.Value
	}
	if p := comp.Props.Get(ical.PropOrganizer); p != nil {
		ev.Organizer = organizerAddress(p.Value)
	}
	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		if t, err := p.DateTime(r.opts.TimeZone); err == nil {
			ev.Start = t
		} else {
			r.logger.Debug("Unparseable DTSTART", "uid", ev.NativeID, "value", p.Value, "error", err)
		}
	}
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		if t, err := p.DateTime(r.opts.TimeZone); err == nil {
			ev.End = t
		}
	} else if p := comp.Props.Get(ical.PropDuration); p != nil && !ev.Start.IsZero() {
		if d, err := p.Duration(); err == nil {
			ev.End = ev.Start.Add(d)
		}
	}
	return ev
}

func organizerAddress(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= len("mailto:") && strings.EqualFold(v[:len("mailto:")], "mailto:") {
		v = v[len("mailto:"):]
	}
	return v
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
