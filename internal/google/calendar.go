package google

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"invitesync/internal/models"
	"invitesync/internal/syncer"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// DefaultSubjectPrefix marks mirrored invitations in the remote calendar.
	DefaultSubjectPrefix = "📧 "

	// sourceKeyProperty is the private extended property carrying the source key.
	sourceKeyProperty = "invitesyncSourceKey"

	authHint = "run 'invitesync auth' to authorize the account again"
)

// Options tunes how events are written.
type Options struct {
	SubjectPrefix string // Prepended to mirrored subjects and stripped when matching
	TimeZone      string // IANA zone sent with event times, e.g. "Europe/Berlin"
}

// CalendarClient implements syncer.RemoteClient on the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
	opts    Options
}

// NewClient creates a new Google Calendar client for the configured account.
// A missing or unreadable token is reported as a credential error.
func NewClient(ctx context.Context, logger *slog.Logger, auth AuthConfig, opts Options) (*CalendarClient, error) {
	config, err := GetOAuthConfig(auth)
	if err != nil {
		return nil, &syncer.CredentialError{Service: "Google", Hint: "configure the OAuth client", Err: err}
	}

	tokenFile := auth.TokenFile()
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("no token for account %q at %s", auth.Account, tokenFile)
		}
		return nil, &syncer.CredentialError{Service: "Google", Hint: authHint, Err: err}
	}

	source := &savingTokenSource{
		source: oauth2.ReuseTokenSource(token, config.TokenSource(ctx, token)),
		path:   tokenFile,
		last:   token,
	}
	return NewClientWithHTTP(ctx, logger, oauth2.NewClient(ctx, source), opts)
}

// NewClientWithHTTP creates a client on an already authenticated HTTP client.
func NewClientWithHTTP(ctx context.Context, logger *slog.Logger, httpClient *http.Client, opts Options, extra ...option.ClientOption) (*CalendarClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clientOpts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, extra...)
	service, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: logger, opts: opts}, nil
}

// FindMatching returns the first event whose subject, with the mirror prefix
// removed, equals subject and whose start lies within tolerance of start.
func (c *CalendarClient) FindMatching(ctx context.Context, calendarID, subject string, start time.Time, tolerance time.Duration) (string, bool, error) {
	c.logger.Debug("Looking up remote event", "calendarID", calendarID, "title", subject, "startTime", start)
	want := strings.TrimSpace(subject)

	var found string
	errStop := errors.New("stop")
	err := c.service.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(start.Add(-tolerance).Format(time.RFC3339)).
		TimeMax(start.Add(tolerance + time.Second).Format(time.RFC3339)).
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				if c.matches(item, want, start, tolerance) {
					found = item.Id
					return errStop
				}
			}
			return nil
		})
	if err != nil && !errors.Is(err, errStop) {
		return "", false, classifyError("find", err)
	}
	return found, found != "", nil
}

func (c *CalendarClient) matches(item *calendar.Event, subject string, start time.Time, tolerance time.Duration) bool {
	if item.Status == "cancelled" || item.Start == nil || item.Start.DateTime == "" {
		return false
	}
	if c.stripPrefix(item.Summary) != subject {
		return false
	}
	itemStart, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return false
	}
	diff := itemStart.Sub(start)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func (c *CalendarClient) stripPrefix(summary string) string {
	summary = strings.TrimSpace(summary)
	if p := strings.TrimSpace(c.opts.SubjectPrefix); p != "" {
		summary = strings.TrimSpace(strings.TrimPrefix(summary, p))
	}
	return summary
}

// Create inserts the event without notifying attendees and returns its id.
func (c *CalendarClient) Create(ctx context.Context, calendarID string, event models.NewEvent) (string, error) {
	created, err := c.service.Events.Insert(calendarID, c.toGoogleEvent(event)).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return "", classifyError("create", err)
	}
	c.logger.Debug("Inserted Google event", "calendarID", calendarID, "eventID", created.Id, "title", event.Subject)
	return created.Id, nil
}

// Delete removes an event. Events that are already gone yield syncer.ErrNotFound.
func (c *CalendarClient) Delete(ctx context.Context, calendarID, eventID string) error {
	err := c.service.Events.Delete(calendarID, eventID).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return classifyError("delete", err)
	}
	return nil
}

// toGoogleEvent converts an invitation to a Google Calendar event.
func (c *CalendarClient) toGoogleEvent(event models.NewEvent) *calendar.Event {
	ev := &calendar.Event{
		Summary:     c.opts.SubjectPrefix + event.Subject,
		Description: event.Description,
		Location:    event.Location,
		Start:       &calendar.EventDateTime{DateTime: event.Start.Format(time.RFC3339), TimeZone: c.opts.TimeZone},
		End:         &calendar.EventDateTime{DateTime: event.End.Format(time.RFC3339), TimeZone: c.opts.TimeZone},
		Reminders:   &calendar.EventReminders{UseDefault: true},
	}
	if event.SourceKey != "" {
		ev.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{sourceKeyProperty: event.SourceKey},
		}
	}
	return ev
}

// CalendarInfo describes one calendar of the account.
type CalendarInfo struct {
	ID         string
	Summary    string
	Primary    bool
	AccessRole string
}

// ListCalendars returns every calendar of the authenticated account.
func (c *CalendarClient) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	var out []CalendarInfo
	err := c.service.CalendarList.List().Pages(ctx, func(list *calendar.CalendarList) error {
		for _, item := range list.Items {
			out = append(out, CalendarInfo{ID: item.Id, Summary: item.Summary, Primary: item.Primary, AccessRole: item.AccessRole})
		}
		return nil
	})
	if err != nil {
		return nil, classifyError("list calendars", err)
	}
	return out, nil
}

// ResolveCalendar maps a calendar name to its id. "primary" and values that
// already look like ids are returned unchanged.
func (c *CalendarClient) ResolveCalendar(ctx context.Context, nameOrID string) (string, error) {
	if nameOrID == "" || nameOrID == "primary" || strings.Contains(nameOrID, "@") {
		if nameOrID == "" {
			return "primary", nil
		}
		return nameOrID, nil
	}
	calendars, err := c.ListCalendars(ctx)
	if err != nil {
		return "", err
	}
	for _, cal := range calendars {
		if cal.Summary == nameOrID {
			return cal.ID, nil
		}
	}
	return "", fmt.Errorf("no Google calendar named %q", nameOrID)
}

// classifyError maps API failures onto the syncer error taxonomy.
func classifyError(op string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return &syncer.CredentialError{Service: "Google", Hint: authHint, Err: err}
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusUnauthorized:
			return &syncer.CredentialError{Service: "Google", Hint: authHint, Err: err}
		case http.StatusNotFound, http.StatusGone:
			return &syncer.RemoteAPIError{Op: op, StatusCode: gErr.Code, Err: fmt.Errorf("%w: %s", syncer.ErrNotFound, gErr.Message)}
		}
		return &syncer.RemoteAPIError{Op: op, StatusCode: gErr.Code, Err: err}
	}
	return &syncer.RemoteAPIError{Op: op, Err: err}
}
