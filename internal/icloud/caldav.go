package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"invitesync/internal/models"
	"invitesync/internal/syncer"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	// DefaultEndpoint is the iCloud CalDAV endpoint.
	DefaultEndpoint = "https://caldav.icloud.com/"

	// propSourceKey carries the source key on mirrored events.
	propSourceKey = "X-INVITESYNC-SOURCE-KEY"

	authHint = "check the CalDAV username and app-specific password"
)

var (
	errUnauthorized = errors.New("server rejected the credentials")
	errNotFound     = errors.New("resource not found")
)

// customTransport handles adding Basic Auth and custom headers to requests.
// It also turns authentication failures and missing resources on DELETE into
// errors, since the webdav client does not expose its status codes.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "invitesync/1.0")

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, errUnauthorized
	case req.Method == http.MethodDelete && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone):
		resp.Body.Close()
		return nil, errNotFound
	}
	return resp, nil
}

// Config holds the CalDAV account settings.
type Config struct {
	Endpoint      string // Defaults to DefaultEndpoint
	Username      string
	Password      string // App-specific password for iCloud
	SubjectPrefix string
}

// CalDAVClient implements syncer.RemoteClient on a CalDAV server. Calendar
// ids are calendar collection paths, event ids are object paths.
type CalDAVClient struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
	prefix       string
	now          func() time.Time
}

// NewClient creates a new CalDAVClient.
func NewClient(logger *slog.Logger, cfg Config) (*CalDAVClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, &syncer.CredentialError{Service: "CalDAV", Hint: authHint, Err: errors.New("username or password not set")}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &customTransport{
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: http.DefaultTransport,
		},
	}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	return &CalDAVClient{caldavClient: caldavClient, logger: logger, prefix: cfg.SubjectPrefix, now: time.Now}, nil
}

// FindMatching queries the calendar for events starting within tolerance of
// start and returns the path of the first one whose subject matches.
func (c *CalDAVClient) FindMatching(ctx context.Context, calendarID, subject string, start time.Time, tolerance time.Duration) (string, bool, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{ical.PropUID, ical.PropSummary, ical.PropDateTimeStart, ical.PropStatus},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.Add(-tolerance).UTC(),
				End:   start.Add(tolerance + time.Second).UTC(),
			}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return "", false, classifyError("find", err)
	}
	want := strings.TrimSpace(subject)
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name == ical.CompEvent && c.matches(comp, want, start, tolerance) {
				return obj.Path, true, nil
			}
		}
	}
	return "", false, nil
}

func (c *CalDAVClient) matches(comp *ical.Component, subject string, start time.Time, tolerance time.Duration) bool {
	if p := comp.Props.Get(ical.PropStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		return false
	}
	summary := ""
	if p := comp.Props.Get(ical.PropSummary); p != nil {
		summary = p.Value
	}
	if stripPrefix(summary, c.prefix) != subject {
		return false
	}
	p := comp.Props.Get(ical.PropDateTimeStart)
	if p == nil {
		return false
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return false
	}
	diff := t.Sub(start)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// Create stores the event as a new calendar object and returns its path.
func (c *CalDAVClient) Create(ctx context.Context, calendarID string, event models.NewEvent) (string, error) {
	uid := GenerateUID()
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//invitesync//EN")
	cal.Children = append(cal.Children, c.toICal(event, uid))

	objectPath := path.Join(calendarID, uid+".ics")
	obj, err := c.caldavClient.PutCalendarObject(ctx, objectPath, cal)
	if err != nil {
		return "", classifyError("create", err)
	}
	if obj != nil && obj.Path != "" {
		objectPath = obj.Path
	}
	c.logger.Debug("Stored CalDAV event", "path", objectPath, "title", event.Subject)
	return objectPath, nil
}

// Delete removes the calendar object at eventID.
func (c *CalDAVClient) Delete(ctx context.Context, calendarID, eventID string) error {
	if err := c.caldavClient.RemoveAll(ctx, eventID); err != nil {
		return classifyError("delete", err)
	}
	return nil
}

// toICal converts an invitation to a VEVENT.
func (c *CalDAVClient) toICal(event models.NewEvent, uid string) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, c.prefix+event.Subject)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, c.now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.End.UTC())

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.SourceKey != "" {
		ve.Props.SetText(propSourceKey, event.SourceKey)
	}
	return ve
}

// CalendarInfo describes one calendar collection.
type CalendarInfo struct {
	Path        string
	Name        string
	Description string
}

// ListCalendars discovers the user's calendars.
func (c *CalDAVClient) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, classifyError("find principal", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, classifyError("find calendar home set", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, classifyError("find calendars", err)
	}

	out := make([]CalendarInfo, 0, len(calendars))
	for _, cal := range calendars {
		out = append(out, CalendarInfo{Path: cal.Path, Name: cal.Name, Description: cal.Description})
	}
	return out, nil
}

// ResolveCalendar returns the path of the calendar with the given name.
// Values that already are collection paths are returned unchanged.
func (c *CalDAVClient) ResolveCalendar(ctx context.Context, name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return name, nil
	}
	calendars, err := c.ListCalendars(ctx)
	if err != nil {
		return "", err
	}
	for _, cal := range calendars {
		if cal.Name == name {
			c.logger.Info("Found CalDAV calendar.", "calendarName", name, "path", cal.Path)
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}

func stripPrefix(summary, prefix string) string {
	summary = strings.TrimSpace(summary)
	if p := strings.TrimSpace(prefix); p != "" {
		summary = strings.TrimSpace(strings.TrimPrefix(summary, p))
	}
	return summary
}

func classifyError(op string, err error) error {
	switch {
	case errors.Is(err, errUnauthorized):
		return &syncer.CredentialError{Service: "CalDAV", Hint: authHint, Err: err}
	case errors.Is(err, errNotFound):
		return &syncer.RemoteAPIError{Op: op, StatusCode: http.StatusNotFound, Err: fmt.Errorf("%w: %v", syncer.ErrNotFound, err)}
	}
	return &syncer.RemoteAPIError{Op: op, Err: err}
}
