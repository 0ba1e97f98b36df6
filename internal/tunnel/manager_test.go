// Package tunnel tests verify the supervisor's ability to start, stop,
// and observe client runners, the runner's reconnect behavior, and the
// startup resume policy.
//
// These tests use fake implementations of the session.Dialer and
// session.Session seams to simulate tunnel connections without any
// network. A fakeSession can be dropped on demand (closing its Done
// channel) to exercise the Connected -> Reconnecting transition, and a
// failing dialer exercises the backoff loop.
//
// All tests isolate persisted state (running.json, clients.json) by
// setting XDG_CONFIG_HOME to a temporary directory via t.Setenv().
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mstiles/tunnelpanel/internal/appconfig"
	"github.com/mstiles/tunnelpanel/internal/logsink"
	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/security"
	"github.com/mstiles/tunnelpanel/internal/session"
	"github.com/mstiles/tunnelpanel/internal/util"
)

// fakeSpecs is an in-memory SpecSource.
type fakeSpecs struct {
	specs []model.ClientSpec
}

func (f *fakeSpecs) Get(name string) (model.ClientSpec, error) {
	for _, s := range f.specs {
		if s.Name == name {
			return s, nil
		}
	}
	return model.ClientSpec{}, fmt.Errorf("%w: %s", security.ErrNotFound, name)
}

func (f *fakeSpecs) List() []model.ClientSpec {
	return append([]model.ClientSpec(nil), f.specs...)
}

// fakeSession is a controllable Session. Closing done simulates a
// transport drop; Close is idempotent.
type fakeSession struct {
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) Ping(ctx context.Context) error { return nil }
func (s *fakeSession) Done() <-chan struct{}          { return s.done }
func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// drop simulates the transport going away underneath the runner.
func (s *fakeSession) drop() { s.Close() }

// fakeDialer hands out fakeSessions, or errors when fail is set. It
// records every dial so tests can assert attempt counts.
type fakeDialer struct {
	fail  bool
	dials atomic.Int64

	mu   sync.Mutex
	last *fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, spec model.ClientSpec) (session.Session, error) {
	d.dials.Add(1)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	s := newFakeSession()
	d.mu.Lock()
	d.last = s
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func specFixture(name string) model.ClientSpec {
	return model.ClientSpec{Name: name, Addr: "10.0.0.1:443", Key: "k1", TLS: true}
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSupervisorStartStopTransition(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dialer := &fakeDialer{}
	sink := logsink.New()
	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, dialer, sink)

	if err := m.Start("work"); err != nil {
		t.Fatal(err)
	}

	// Start returns before the connection is up; the runner reports
	// Connected asynchronously.
	waitFor(t, 2*time.Second, func() bool {
		sc, err := m.StatusOf("work")
		return err == nil && sc.State == model.StateConnected
	})

	sc, err := m.StatusOf("work")
	if err != nil {
		t.Fatal(err)
	}
	if !sc.Running {
		t.Fatal("expected running=true while connected")
	}
	if sc.LastError != "" {
		t.Fatalf("expected clear error after connect, got %q", sc.LastError)
	}

	if err := m.Stop("work"); err != nil {
		t.Fatal(err)
	}
	sc, err = m.StatusOf("work")
	if err != nil {
		t.Fatal(err)
	}
	if sc.State != model.StateStopped || sc.Running {
		t.Fatalf("expected stopped/not-running, got %s running=%v", sc.State, sc.Running)
	}

	// The sink saw the connected and stopped transitions for this client.
	var types []model.EntryType
	for _, e := range sink.Recent(0) {
		if e.ClientID == "work" {
			types = append(types, e.Type)
		}
	}
	if len(types) < 2 || types[0] != model.EntryConnected || types[len(types)-1] != model.EntryStopped {
		t.Fatalf("unexpected entry sequence: %v", types)
	}
}

func TestSupervisorStartErrors(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dialer := &fakeDialer{}
	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, dialer, logsink.New())

	if err := m.Start("nope"); !errors.Is(err, security.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.Start("work"); err != nil {
		t.Fatal(err)
	}
	if err := m.Start("work"); !errors.Is(err, security.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := m.Stop("work"); err != nil {
		t.Fatal(err)
	}
	// After a stop the same name can be started again.
	if err := m.Start("work"); err != nil {
		t.Fatal(err)
	}
	_ = m.Stop("work")
}

func TestSupervisorStopUnknownAndNeverStarted(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, &fakeDialer{}, logsink.New())

	// Never started this session: no RuntimeState exists.
	if err := m.Stop("work"); !errors.Is(err, security.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for never-started client, got %v", err)
	}
}

// TestRunnerRetriesWithError verifies the unreachable-endpoint loop: the
// runner stays in Reconnecting, records a non-empty error, and counts
// attempts, without ever giving up on its own.
func TestRunnerRetriesWithError(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dialer := &fakeDialer{fail: true}
	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, dialer, logsink.New())

	if err := m.Start("work"); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Stop("work") }()

	waitFor(t, 2*time.Second, func() bool {
		sc, err := m.StatusOf("work")
		return err == nil && sc.State == model.StateReconnecting
	})

	sc, err := m.StatusOf("work")
	if err != nil {
		t.Fatal(err)
	}
	if sc.LastError == "" {
		t.Fatal("expected a recorded error while reconnecting")
	}
	if !sc.Running {
		t.Fatal("a retrying runner is still running")
	}
	if dialer.dials.Load() < 1 {
		t.Fatal("expected at least one dial attempt")
	}
}

// TestStopCancelsBackoffImmediately verifies that stop latency is bounded
// by the acknowledgment window, not by the backoff ceiling: a runner
// waiting out a backoff delay must exit as soon as it is cancelled.
func TestStopCancelsBackoffImmediately(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dialer := &fakeDialer{fail: true}
	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, dialer, logsink.New())

	if err := m.Start("work"); err != nil {
		t.Fatal(err)
	}
	// Let the runner fail at least once so it is inside the backoff wait.
	waitFor(t, 2*time.Second, func() bool {
		sc, _ := m.StatusOf("work")
		return sc.State == model.StateReconnecting
	})

	started := time.Now()
	if err := m.Stop("work"); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(started)
	if elapsed > util.StopAckTimeout {
		t.Fatalf("stop took %v, want under the ack timeout %v", elapsed, util.StopAckTimeout)
	}

	sc, err := m.StatusOf("work")
	if err != nil {
		t.Fatal(err)
	}
	if sc.State != model.StateStopped {
		t.Fatalf("expected stopped, got %s", sc.State)
	}
	// Policy: the last error is retained across a stop, cleared only by a
	// successful reconnect.
	if sc.LastError == "" {
		t.Fatal("expected last error retained after stop")
	}
}

// TestTransportDropTriggersReconnect drops the session underneath a
// connected runner and expects a disconnected log entry followed by a new
// dial attempt.
func TestTransportDropTriggersReconnect(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dialer := &fakeDialer{}
	sink := logsink.New()
	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, dialer, sink)

	if err := m.Start("work"); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Stop("work") }()

	waitFor(t, 2*time.Second, func() bool {
		sc, _ := m.StatusOf("work")
		return sc.State == model.StateConnected
	})

	first := dialer.dials.Load()
	dialer.lastSession().drop()

	// The runner reconnects: a second dial happens and the client comes
	// back to Connected.
	waitFor(t, 2*time.Second, func() bool {
		sc, _ := m.StatusOf("work")
		return dialer.dials.Load() > first && sc.State == model.StateConnected
	})

	found := false
	for _, e := range sink.Recent(0) {
		if e.ClientID == "work" && e.Type == model.EntryDisconnected {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a disconnected entry after the transport drop")
	}
}

// TestConcurrentStartSingleWinner races many Start calls for one name:
// exactly one must succeed, the rest fail with ErrAlreadyRunning, and
// only one runner is ever dialed.
func TestConcurrentStartSingleWinner(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dialer := &fakeDialer{}
	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, dialer, logsink.New())

	const racers = 16
	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Start("work"); err == nil {
				successes.Add(1)
			} else if !errors.Is(err, security.ErrAlreadyRunning) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes.Load())
	}
	waitFor(t, 2*time.Second, func() bool { return dialer.dials.Load() >= 1 })
	if dialer.dials.Load() != 1 {
		t.Fatalf("expected a single runner dialing once, got %d dials", dialer.dials.Load())
	}
	_ = m.Stop("work")
}

// TestSnapshotNeverImpossible asserts the invariant that running=true is
// only ever paired with an active state, across a start/stop cycle
// observed concurrently.
func TestSnapshotNeverImpossible(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	dialer := &fakeDialer{}
	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, dialer, logsink.New())

	stop := make(chan struct{})
	var bad atomic.Bool
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, sc := range m.StatusAll() {
				if sc.Running != sc.State.Active() {
					bad.Store(true)
				}
			}
		}
	}()

	for i := 0; i < 5; i++ {
		if err := m.Start("work"); err != nil {
			t.Fatal(err)
		}
		if err := m.Stop("work"); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)

	if bad.Load() {
		t.Fatal("observed running flag inconsistent with state")
	}
}

// TestStopBeforeStartCancelsRunner covers the window between a runner
// becoming visible in the registry and its goroutine launching: a stop
// landing there must still cancel the runner, not leak it.
func TestStopBeforeStartCancelsRunner(t *testing.T) {
	dialer := &fakeDialer{}
	r := newRunner(specFixture("work"), dialer, func(event) {})

	r.stop()
	r.start()

	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("runner kept running after a pre-launch stop")
	}
	if dialer.dials.Load() != 0 {
		t.Fatalf("cancelled runner must not dial, got %d attempts", dialer.dials.Load())
	}
}

// TestSetRememberLeavesRunningSetAlone verifies that enabling remembering
// and shutting down never rewrite running.json: the set on disk belongs to
// the previous process until reconciliation consumes it.
func TestSetRememberLeavesRunningSetAlone(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := appconfig.RunningSetFilePath()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`["work"]`), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, &fakeDialer{}, logsink.New())
	m.SetRemember(true)
	m.StopAll()

	names, err := loadRunningSet()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "work" {
		t.Fatalf("running set was rewritten: %v", names)
	}
}

// TestStopRemovesFromRunningSet verifies the merge semantics: a user stop
// drops only that name, leaving entries from other processes in place.
func TestStopRemovesFromRunningSet(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := appconfig.RunningSetFilePath()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`["other"]`), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{specFixture("work")}}, &fakeDialer{}, logsink.New())
	m.SetRemember(true)

	if err := m.Start("work"); err != nil {
		t.Fatal(err)
	}
	names, err := loadRunningSet()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "other" || names[1] != "work" {
		t.Fatalf("start did not merge into the set: %v", names)
	}

	if err := m.Stop("work"); err != nil {
		t.Fatal(err)
	}
	names, err = loadRunningSet()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "other" {
		t.Fatalf("stop removed the wrong entries: %v", names)
	}
}

func TestReconcileStartsRememberedClients(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	specs := &fakeSpecs{specs: []model.ClientSpec{
		specFixture("work"),
		specFixture("home"),
	}}
	dialer := &fakeDialer{}
	sink := logsink.New()

	// First run: start one client with remembering on, then shut down.
	m := NewSupervisor(specs, dialer, sink)
	m.SetRemember(true)
	if err := m.Start("work"); err != nil {
		t.Fatal(err)
	}
	m.StopAll()

	// Second run: reconciliation resumes the remembered client only.
	m2 := NewSupervisor(specs, dialer, sink)
	m2.Reconcile(appconfig.Settings{RememberClientState: true})
	defer m2.StopAll()

	waitFor(t, 2*time.Second, func() bool {
		sc, _ := m2.StatusOf("work")
		return sc.State.Active()
	})
	sc, _ := m2.StatusOf("home")
	if sc.State.Active() {
		t.Fatal("home was never running and must not be resumed")
	}
}

func TestReconcileDisabledStartsNothing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	spec := specFixture("work")
	spec.AutoStart = true
	m := NewSupervisor(&fakeSpecs{specs: []model.ClientSpec{spec}}, &fakeDialer{}, logsink.New())
	m.Reconcile(appconfig.Settings{RememberClientState: false})

	time.Sleep(50 * time.Millisecond)
	sc, err := m.StatusOf("work")
	if err != nil {
		t.Fatal(err)
	}
	if sc.State != model.StateIdle {
		t.Fatalf("expected idle with remembering disabled, got %s", sc.State)
	}
}

func TestResumeSet(t *testing.T) {
	specs := []model.ClientSpec{
		{Name: "a"},
		{Name: "b", AutoStart: true},
		{Name: "c"},
	}

	// Remember disabled: nothing resumes, auto-start included.
	if got := ResumeSet(specs, appconfig.Settings{}, []string{"a"}); got != nil {
		t.Fatalf("expected nil resume set, got %v", got)
	}

	// Remember enabled: last-running plus auto-start, store order, and
	// stale names without a spec are dropped.
	got := ResumeSet(specs, appconfig.Settings{RememberClientState: true}, []string{"c", "gone"})
	want := []string{"b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
