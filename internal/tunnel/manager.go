// Package tunnel contains the client connection manager: a supervisor
// owning one runner per started client, a registry of runtime state, and
// the startup reconciliation that restores previously running clients.
package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mstiles/tunnelpanel/internal/appconfig"
	"github.com/mstiles/tunnelpanel/internal/logsink"
	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/security"
	"github.com/mstiles/tunnelpanel/internal/session"
	"github.com/mstiles/tunnelpanel/internal/util"
)

// SpecSource is the slice of the spec store the supervisor needs.
type SpecSource interface {
	Get(name string) (model.ClientSpec, error)
	List() []model.ClientSpec
}

// Supervisor coordinates tunnel runners and tracks their runtime state.
// All registry access happens under one mutex; runners report transitions
// back through it, so observers never see impossible state combinations.
type Supervisor struct {
	mu       sync.Mutex
	dialer   session.Dialer
	sink     *logsink.Sink
	specs    SpecSource
	runtime  map[string]model.RuntimeState
	runners  map[string]*runner
	remember atomic.Bool
	fileMu   sync.Mutex
}

// NewSupervisor creates a supervisor. Remembering the running set across
// restarts starts disabled; the caller syncs it from settings.
func NewSupervisor(specs SpecSource, dialer session.Dialer, sink *logsink.Sink) *Supervisor {
	return &Supervisor{
		dialer:  dialer,
		sink:    sink,
		specs:   specs,
		runtime: make(map[string]model.RuntimeState),
		runners: make(map[string]*runner),
	}
}

// SetRemember toggles persistence of the last-known-running set. The set
// on disk is left alone: it may describe a previous process that Reconcile
// has not consumed yet.
func (m *Supervisor) SetRemember(on bool) {
	m.remember.Store(on)
}

// Start spawns a runner for the named client and returns immediately;
// connection establishment happens asynchronously. Fails with
// security.ErrNotFound when the spec does not exist and
// security.ErrAlreadyRunning when a runner for the name is active.
func (m *Supervisor) Start(name string) error {
	spec, err := m.specs.Get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if rt, ok := m.runtime[name]; ok && rt.State.Active() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", security.ErrAlreadyRunning, name)
	}
	var r *runner
	r = newRunner(spec, m.dialer, func(ev event) { m.apply(name, r, ev) })
	m.runtime[name] = model.RuntimeState{
		Running:   true,
		State:     model.StateConnecting,
		StartedAt: time.Now(),
	}
	m.runners[name] = r
	m.mu.Unlock()

	r.start()
	m.updateRunningSet(name, true)
	return nil
}

// Stop signals the named client's runner and blocks until the stop is
// acknowledged or util.StopAckTimeout elapses, at which point the session
// is force-released. A pending backoff timer never delays the stop.
// Fails with security.ErrNotFound when the client was never started.
func (m *Supervisor) Stop(name string) error {
	return m.stopClient(name, true)
}

func (m *Supervisor) stopClient(name string, persist bool) error {
	m.mu.Lock()
	_, ok := m.runtime[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", security.ErrNotFound, name)
	}
	r := m.runners[name]
	m.mu.Unlock()

	if r == nil {
		// Runner already exited; nothing to signal.
		return nil
	}

	r.stop()
	select {
	case <-r.done:
		m.mu.Lock()
		if m.runners[name] == r {
			delete(m.runners, name)
		}
		m.mu.Unlock()
	case <-time.After(util.StopAckTimeout):
		// Escalate: detach the runner so its late events are ignored,
		// release the session, and record the stop ourselves.
		slog.Warn("stop acknowledgment timed out, force-releasing session", "client", name)
		m.mu.Lock()
		if m.runners[name] == r {
			delete(m.runners, name)
		}
		rt := m.runtime[name]
		rt.Running = false
		rt.State = model.StateStopped
		m.runtime[name] = rt
		m.mu.Unlock()
		r.closeSession()
		m.sink.Append(model.LogEntry{
			ClientID: name,
			Type:     model.EntryStopped,
			Message:  "client stopped (forced)",
		})
	}

	if persist {
		m.updateRunningSet(name, false)
	}
	return nil
}

// StopAll stops every active client. Used on shutdown; the stops do not
// touch the remembered running set, so a restart can restore it.
func (m *Supervisor) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.runners))
	for name := range m.runners {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.stopClient(name, false); err != nil && !errors.Is(err, security.ErrNotFound) {
			slog.Warn("failed to stop client on shutdown", "client", name, "error", err)
		}
	}
}

// StatusOf returns a point-in-time snapshot for one client.
func (m *Supervisor) StatusOf(name string) (model.ShortClient, error) {
	spec, err := m.specs.Get(name)
	if err != nil {
		return model.ShortClient{}, err
	}
	m.mu.Lock()
	rt := m.runtime[name]
	m.mu.Unlock()
	return snapshot(spec, rt), nil
}

// StatusAll returns snapshots for every stored spec in store order.
// Runtime state is read under one lock acquisition so concurrent starts
// and stops cannot tear a snapshot.
func (m *Supervisor) StatusAll() []model.ShortClient {
	specs := m.specs.List()
	out := make([]model.ShortClient, 0, len(specs))
	m.mu.Lock()
	for _, spec := range specs {
		out = append(out, snapshot(spec, m.runtime[spec.Name]))
	}
	m.mu.Unlock()
	return out
}

// Reconcile starts every client the resume policy selects. Individual
// start failures are isolated; one broken client never aborts the rest.
func (m *Supervisor) Reconcile(settings appconfig.Settings) {
	m.remember.Store(settings.RememberClientState)
	m.sink.Append(model.LogEntry{
		Type:    model.EntryManager,
		Message: "manager started",
	})

	last, err := loadRunningSet()
	if err != nil {
		slog.Warn("failed to load last-running set", "error", err)
	}
	for _, name := range ResumeSet(m.specs.List(), settings, last) {
		if err := m.Start(name); err != nil {
			slog.Warn("failed to resume client", "client", name, "error", err)
			m.sink.Append(model.LogEntry{
				Type:    model.EntryManager,
				Message: "resume failed for " + name + ": " + err.Error(),
			})
		}
	}
}

// apply folds a runner transition into the registry and forwards it to
// the log sink. Events from a detached runner are dropped so a forced
// stop cannot be overwritten by a stale goroutine.
func (m *Supervisor) apply(name string, from *runner, ev event) {
	m.mu.Lock()
	if m.runners[name] != from {
		m.mu.Unlock()
		return
	}
	rt := m.runtime[name]
	rt.State = ev.State
	rt.Running = ev.State.Active()
	switch ev.Type {
	case model.EntryConnected:
		rt.LastError = ""
	case model.EntryError:
		rt.LastError = ev.Err
		rt.Attempts++
	}
	m.runtime[name] = rt
	if ev.State == model.StateStopped {
		delete(m.runners, name)
	}
	m.mu.Unlock()

	m.sink.Append(model.LogEntry{
		ClientID: name,
		Type:     ev.Type,
		Message:  ev.Message,
	})
}

func snapshot(spec model.ClientSpec, rt model.RuntimeState) model.ShortClient {
	sc := model.ShortClient{
		Name:      spec.Name,
		Addr:      spec.Addr,
		Key:       security.RedactKey(spec.Key),
		TLS:       spec.TLS,
		AutoStart: spec.AutoStart,
		Running:   rt.Running,
		State:     rt.State,
		LastError: rt.LastError,
	}
	if sc.State == "" {
		sc.State = model.StateIdle
	}
	if rt.Running && !rt.StartedAt.IsZero() {
		sc.UptimeSec = int64(time.Since(rt.StartedAt).Seconds())
	}
	return sc
}

// updateRunningSet merges one user-initiated transition into running.json
// when remembering is enabled. Merging instead of rewriting the whole set
// keeps the file intact across processes that never start anything.
// Best-effort: a write failure is logged and never fails the start/stop
// that triggered it.
func (m *Supervisor) updateRunningSet(name string, running bool) {
	if !m.remember.Load() {
		return
	}
	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	names, err := loadRunningSet()
	if err != nil {
		slog.Warn("failed to load running set, rebuilding it", "error", err)
		names = nil
	}
	merged := make([]string, 0, len(names)+1)
	present := false
	for _, n := range names {
		if n == name {
			present = true
			if !running {
				continue
			}
		}
		merged = append(merged, n)
	}
	if running && !present {
		merged = append(merged, name)
	}

	path, err := appconfig.RunningSetFilePath()
	if err != nil {
		slog.Warn("failed to resolve running set path", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		slog.Warn("failed to persist running set", "error", err)
		return
	}
	b, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		slog.Warn("failed to persist running set", "error", err)
		return
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		slog.Warn("failed to persist running set", "error", err)
	}
}

func loadRunningSet() ([]string, error) {
	path, err := appconfig.RunningSetFilePath()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return names, nil
}
