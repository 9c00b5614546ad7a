package flow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mssola/useragent"

	"github.com/jmcleod/gatehouse/api"
)

// SessionRow is one device in the session list, ready to render.
type SessionRow struct {
	Session api.Session
	Current bool
	// Title reads like "Chrome on macOS".
	Title    string
	Browser  string
	Device   string
	Activity string
	// CanRevoke is false for the current session.
	CanRevoke bool
	Revoking  bool
}

// SessionList loads the caller's sessions and revokes them one at a time.
type SessionList struct {
	client   SessionsClient
	session  *SessionContext
	notifier Notifier
	now      func() time.Time

	mu       sync.Mutex
	loaded   bool
	sessions []api.Session
	current  string
	revoking map[string]bool
}

func NewSessionList(client SessionsClient, session *SessionContext, n Notifier) *SessionList {
	return &SessionList{
		client:   client,
		session:  session,
		notifier: n,
		now:      time.Now,
		revoking: make(map[string]bool),
	}
}

// Load fetches the session list and refetches the caller's own session, so
// a cached session from an earlier page never marks the wrong row. The
// current row is the one whose id matches get-session; when that query fails
// or returns nothing the server's current flag is used instead.
func (l *SessionList) Load(ctx context.Context) error {
	var (
		wg      sync.WaitGroup
		mine    *api.SessionResponse
		mineErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		mine, mineErr = l.session.Refetch(ctx)
	}()
	list, err := l.client.ListSessions(ctx)
	wg.Wait()
	if err != nil {
		l.notifier.Notify(LevelError, "Failed to list sessions, "+ErrorMessage(err))
		return err
	}

	current := ""
	if mineErr == nil && mine != nil {
		current = mine.Session.ID
	}
	if current == "" {
		for _, s := range list {
			if s.Current {
				current = s.ID
				break
			}
		}
	}

	l.mu.Lock()
	l.sessions = list
	l.current = current
	l.loaded = true
	l.mu.Unlock()
	return nil
}

// Loaded reports whether the first Load has completed.
func (l *SessionList) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Rows returns the rendered session list in server order.
func (l *SessionList) Rows() []SessionRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	rows := make([]SessionRow, 0, len(l.sessions))
	for _, s := range l.sessions {
		isCurrent := s.ID != "" && s.ID == l.current
		row := describeSession(s, isCurrent, now)
		row.CanRevoke = !isCurrent
		row.Revoking = l.revoking[s.Token]
		rows = append(rows, row)
	}
	return rows
}

// Revoke signs out the session with the given token and refetches the
// list whatever the outcome. Only that token's control is disabled while
// the request runs.
func (l *SessionList) Revoke(ctx context.Context, token string) error {
	l.mu.Lock()
	for _, s := range l.sessions {
		if s.Token == token && s.ID == l.current {
			l.mu.Unlock()
			return ErrCurrentSession
		}
	}
	if l.revoking[token] {
		l.mu.Unlock()
		return ErrBusy
	}
	l.revoking[token] = true
	l.mu.Unlock()

	err := l.client.RevokeSession(ctx, token)

	l.mu.Lock()
	delete(l.revoking, token)
	l.mu.Unlock()

	if err != nil {
		failed(l.notifier, "revoke session", err)
	} else {
		l.notifier.Notify(LevelSuccess, "Session revoked successfully")
	}
	if loadErr := l.Load(ctx); loadErr != nil && err == nil {
		return loadErr
	}
	return err
}

func describeSession(s api.Session, current bool, now time.Time) SessionRow {
	var name, version, osName string
	device := "desktop"
	if s.UserAgent != "" {
		ua := useragent.New(s.UserAgent)
		name, version = ua.Browser()
		osName = ua.OSInfo().Name
		switch {
		case ua.Bot():
			device = "bot"
		case strings.Contains(s.UserAgent, "iPad"), strings.Contains(strings.ToLower(s.UserAgent), "tablet"):
			device = "tablet"
		case ua.Mobile():
			device = "mobile"
		}
	}

	browser := name
	if browser == "" {
		browser = "Unknown Browser"
	}
	if osName == "" {
		osName = "Unknown OS"
	}

	activity := "Last active " + humanize.RelTime(s.UpdatedAt, now, "ago", "from now")
	if current {
		activity = "Signed in " + humanize.RelTime(s.CreatedAt, now, "ago", "from now")
	}

	return SessionRow{
		Session:  s,
		Current:  current,
		Title:    browser + " on " + osName,
		Browser:  strings.TrimSpace(name + " " + version),
		Device:   device,
		Activity: activity,
	}
}
