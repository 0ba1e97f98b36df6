// Package panel is the command and query boundary consumed by the CLI
// and the dashboard. It composes the spec store, the supervisor, the log
// sink, the journal, and the settings service; it owns no client state of
// its own.
package panel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mstiles/tunnelpanel/internal/appconfig"
	"github.com/mstiles/tunnelpanel/internal/events"
	"github.com/mstiles/tunnelpanel/internal/logsink"
	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/security"
	"github.com/mstiles/tunnelpanel/internal/session"
	"github.com/mstiles/tunnelpanel/internal/store"
	"github.com/mstiles/tunnelpanel/internal/tunnel"
)

// Panel wires the components together behind one surface.
type Panel struct {
	store   *store.Store
	sup     *tunnel.Supervisor
	sink    *logsink.Sink
	journal *events.Journal

	mu       sync.Mutex
	settings appconfig.Settings
}

// New loads settings, opens the stores, and builds the supervisor. The
// journal lives under the configured log directory; when it cannot be
// opened the panel still works with the in-memory ring only.
func New(dialer session.Dialer) (*Panel, error) {
	settings, err := appconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	st, err := store.Open()
	if err != nil {
		return nil, fmt.Errorf("open client store: %w", err)
	}

	sink := logsink.New()
	journal, err := events.Open(settings.LogDir)
	if err != nil {
		slog.Warn("event journal unavailable, keeping logs in memory only", "error", err)
	} else {
		sink.SetRecorder(journal)
	}

	p := &Panel{
		store:    st,
		sup:      tunnel.NewSupervisor(st, dialer, sink),
		sink:     sink,
		journal:  journal,
		settings: settings,
	}
	p.sup.SetRemember(settings.RememberClientState)
	return p, nil
}

// Reconcile restores previously running clients per the resume policy.
// Call once after New, before serving commands.
func (p *Panel) Reconcile() {
	p.mu.Lock()
	settings := p.settings
	p.mu.Unlock()
	p.sup.Reconcile(settings)
}

// Close stops all clients and flushes the journal.
func (p *Panel) Close() {
	p.sup.StopAll()
	p.mu.Lock()
	journal := p.journal
	p.journal = nil
	p.mu.Unlock()
	if journal != nil {
		if err := journal.Close(); err != nil {
			slog.Warn("failed to close event journal", "error", err)
		}
	}
}

// AddClient validates and persists a new spec.
func (p *Panel) AddClient(spec model.ClientSpec) error {
	if err := p.store.Add(spec); err != nil {
		return err
	}
	p.sink.Append(model.LogEntry{
		Type:    model.EntryManager,
		Message: "client " + spec.Name + " added",
	})
	return nil
}

// UpdateClient replaces the spec stored under name. A running client
// keeps its current connection; the new spec applies on the next start.
// An empty key keeps the stored one, since observers only ever hold the
// redacted form.
func (p *Panel) UpdateClient(name string, spec model.ClientSpec) error {
	if spec.Key == "" {
		prev, err := p.store.Get(name)
		if err != nil {
			return err
		}
		spec.Key = prev.Key
	}
	if err := p.store.Update(name, spec); err != nil {
		return err
	}
	p.sink.Append(model.LogEntry{
		Type:    model.EntryManager,
		Message: "client " + name + " updated",
	})
	return nil
}

// RemoveClient stops the client if it is running, then deletes its spec.
// A running connection is never orphaned by removal.
func (p *Panel) RemoveClient(name string) error {
	if err := p.sup.Stop(name); err != nil && !errors.Is(err, security.ErrNotFound) {
		return err
	}
	if err := p.store.Remove(name); err != nil {
		return err
	}
	p.sink.Append(model.LogEntry{
		Type:    model.EntryManager,
		Message: "client " + name + " removed",
	})
	return nil
}

// StartClient spawns the client's runner; returns before the connection
// is established.
func (p *Panel) StartClient(name string) error {
	return p.sup.Start(name)
}

// StopClient stops the client's runner, bounded by the stop-ack timeout.
func (p *Panel) StopClient(name string) error {
	return p.sup.Stop(name)
}

// ListClients returns a consistent snapshot of every client in store
// order.
func (p *Panel) ListClients() []model.ShortClient {
	return p.sup.StatusAll()
}

// StatusOf returns the snapshot for one client.
func (p *Panel) StatusOf(name string) (model.ShortClient, error) {
	return p.sup.StatusOf(name)
}

// RecentLogs returns up to n retained entries in append order.
func (p *Panel) RecentLogs(n int) []model.LogEntry {
	return p.sink.Recent(n)
}

// LogsSince returns retained entries at or after t.
func (p *Panel) LogsSince(t time.Time) []model.LogEntry {
	return p.sink.Since(t)
}

// SubscribeLogs opens a live feed of new entries. Release it with
// UnsubscribeLogs.
func (p *Panel) SubscribeLogs() (string, <-chan model.LogEntry) {
	return p.sink.Subscribe()
}

// UnsubscribeLogs releases a live feed.
func (p *Panel) UnsubscribeLogs(id string) {
	p.sink.Unsubscribe(id)
}

// History reads the persistent journal. Returns an error when no journal
// is available.
func (p *Panel) History(q events.Query) ([]model.LogEntry, error) {
	p.mu.Lock()
	journal := p.journal
	p.mu.Unlock()
	if journal == nil {
		return nil, fmt.Errorf("event journal unavailable")
	}
	return journal.Read(q)
}

// ClearLogs empties the in-memory ring and the persistent journal.
func (p *Panel) ClearLogs() error {
	p.sink.Clear()
	p.mu.Lock()
	journal := p.journal
	p.mu.Unlock()
	if journal != nil {
		if err := journal.Clear(); err != nil {
			return err
		}
	}
	return nil
}

// Settings returns the current settings value.
func (p *Panel) Settings() appconfig.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// UpdateSettings persists new settings and applies them. A failed write
// leaves the previous settings in effect. Changing the log directory
// moves only future journal writes; existing journals stay put.
func (p *Panel) UpdateSettings(s appconfig.Settings) error {
	if err := appconfig.Save(s); err != nil {
		return fmt.Errorf("%w: %v", security.ErrPersistence, err)
	}

	p.mu.Lock()
	prev := p.settings
	p.settings = s
	p.mu.Unlock()

	p.sup.SetRemember(s.RememberClientState)

	if s.LogDir != prev.LogDir {
		journal, err := events.Open(s.LogDir)
		if err != nil {
			slog.Warn("failed to open journal in new log dir", "dir", s.LogDir, "error", err)
			return nil
		}
		p.mu.Lock()
		old := p.journal
		p.journal = journal
		p.mu.Unlock()
		p.sink.SetRecorder(journal)
		if old != nil {
			if err := old.Close(); err != nil {
				slog.Warn("failed to close previous journal", "error", err)
			}
		}
	}
	return nil
}
