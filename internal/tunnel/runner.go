package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/security"
	"github.com/mstiles/tunnelpanel/internal/session"
	"github.com/mstiles/tunnelpanel/internal/util"
)

// event is one runner lifecycle transition reported to the supervisor.
type event struct {
	State   model.ClientState
	Type    model.EntryType
	Message string
	Err     string // set on error transitions; a connected transition clears the field
}

// runner drives one client's connection lifecycle: dial, maintain,
// reconnect with bounded backoff, stop on cancellation. Failures and
// timers are private to the runner; nothing here can block a sibling.
type runner struct {
	spec   model.ClientSpec
	dialer session.Dialer
	report func(event)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	sess session.Session
}

// newRunner wires the cancellation context up front, so a stop racing the
// launch always has something to cancel.
func newRunner(spec model.ClientSpec, dialer session.Dialer, report func(event)) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &runner{
		spec:   spec,
		dialer: dialer,
		report: report,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// start launches the connection loop. The runner owns the goroutine until
// done is closed.
func (r *runner) start() {
	go r.run(r.ctx)
}

// stop requests cancellation. It does not wait; the supervisor watches
// done with its own timeout.
func (r *runner) stop() {
	r.cancel()
}

// closeSession force-releases the current session. Used by the supervisor
// when a stop acknowledgment times out.
func (r *runner) closeSession() {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

func (r *runner) setSession(s session.Session) {
	r.mu.Lock()
	r.sess = s
	r.mu.Unlock()
}

func (r *runner) run(ctx context.Context) {
	defer close(r.done)

	delay := util.BackoffBase

	for {
		if ctx.Err() != nil {
			r.reportStopped()
			return
		}

		sess, err := r.dialer.Dial(ctx, r.spec)
		if err != nil {
			if ctx.Err() != nil {
				r.reportStopped()
				return
			}
			msg := security.RedactMessage(err.Error(), r.spec.Key)
			r.report(event{
				State:   model.StateReconnecting,
				Type:    model.EntryError,
				Message: "connect failed: " + msg,
				Err:     msg,
			})
			// Backoff before the next attempt; cancellation wins
			// immediately over the timer.
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				r.reportStopped()
				return
			}
			delay = nextBackoff(delay)
			continue
		}

		r.setSession(sess)
		delay = util.BackoffBase
		r.report(event{
			State:   model.StateConnected,
			Type:    model.EntryConnected,
			Message: "connected to " + r.spec.Addr,
		})

		r.maintain(ctx, sess)
		r.setSession(nil)
		_ = sess.Close()

		if ctx.Err() != nil {
			r.reportStopped()
			return
		}
		r.report(event{
			State:   model.StateReconnecting,
			Type:    model.EntryDisconnected,
			Message: "connection to " + r.spec.Addr + " lost",
		})
	}
}

// maintain blocks while the session is healthy. It returns when the
// session dies, a heartbeat fails, or ctx is cancelled.
func (r *runner) maintain(ctx context.Context, sess session.Session) {
	ticker := time.NewTicker(util.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, util.DialTimeout)
			err := sess.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (r *runner) reportStopped() {
	r.report(event{
		State:   model.StateStopped,
		Type:    model.EntryStopped,
		Message: "client stopped",
	})
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > util.BackoffCap {
		d = util.BackoffCap
	}
	return d
}
