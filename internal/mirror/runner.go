package mirror

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/pkg/homeauto"
	"github.com/barnabee-home/barnabee/pkg/homeauto/wsclient"
)

// Conn is the hub connection surface the runner drives. Satisfied by
// [wsclient.Client].
type Conn interface {
	SubscribeStates(ctx context.Context) error
	GetStates(ctx context.Context) ([]homeauto.EntityState, error)
	Events() <-chan homeauto.StateChange
	Err() error
	Close() error
}

var _ Conn = (*wsclient.Client)(nil)

// Dialer opens a hub connection. Injectable so tests can supply a fake.
type Dialer func(ctx context.Context) (Conn, error)

// WSDialer returns a Dialer for the hub's WebSocket endpoint.
func WSDialer(url, accessToken string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return wsclient.Dial(ctx, url, accessToken)
	}
}

const (
	reconnectBase = time.Second
	reconnectCap  = 60 * time.Second

	// healthySession is how long a session must stream before the backoff
	// ladder restarts from the base on the next drop. A connection that held
	// this long was working; its loss is a fresh incident, not a continuation
	// of the previous outage.
	healthySession = 30 * time.Second

	// unhealthyAfter is how many consecutive connection failures it takes
	// before Healthy reports false and the orchestrator degrades.
	unhealthyAfter = 3
)

// Runner keeps the mirror connected to the hub, reconnecting with capped
// exponential backoff. After every (re)connect it does a fresh bulk fetch;
// events missed while disconnected are never replayed, the snapshot covers
// them.
type Runner struct {
	mirror     *Mirror
	dial       Dialer
	maxBackoff time.Duration

	mu   sync.Mutex
	conn Conn
}

// RunnerOption is a functional option for NewRunner.
type RunnerOption func(*Runner)

// WithMaxBackoff caps the reconnect backoff. Default 60s.
func WithMaxBackoff(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.maxBackoff = d
		}
	}
}

// NewRunner wires a runner to its mirror.
func NewRunner(m *Mirror, dial Dialer, opts ...RunnerOption) *Runner {
	r := &Runner{mirror: m, dial: dial, maxBackoff: reconnectCap}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run drives the connect/subscribe/consume loop until ctx is cancelled.
// Always returns ctx.Err.
func (r *Runner) Run(ctx context.Context) error {
	log := observe.Logger(ctx)
	delay := reconnectBase
	for {
		start := time.Now()
		err := r.session(ctx)
		sessionLen := time.Since(start)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.mirror.connectionFailed()
		r.mirror.metrics.MirrorReconnects.Add(ctx, 1)
		log.Warn("hub connection lost", "error", err, "retry_in", delay)

		// Jitter keeps a fleet of restarts from thundering in lockstep.
		sleep := delay + time.Duration(rand.Int64N(int64(delay/4+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay = r.nextDelay(delay, sessionLen)
	}
}

// nextDelay advances the reconnect backoff: double up to the cap, or back to
// the base after a session that streamed past healthySession.
func (r *Runner) nextDelay(prev, sessionLen time.Duration) time.Duration {
	if sessionLen >= healthySession {
		return reconnectBase
	}
	next := prev * 2
	if next > r.maxBackoff {
		next = r.maxBackoff
	}
	return next
}

// session runs one connection from dial to loss.
func (r *Runner) session(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		conn.Close()
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		r.mirror.setConnected(ctx, false)
	}()

	if err := conn.SubscribeStates(ctx); err != nil {
		return err
	}
	states, err := conn.GetStates(ctx)
	if err != nil {
		return err
	}
	r.mirror.Replace(ctx, states)
	r.mirror.setConnected(ctx, true)
	observe.Logger(ctx).Info("hub connected", "entities", r.mirror.Len())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return errors.New("mirror: hub event stream closed")
			}
			r.mirror.Apply(ctx, change)
		}
	}
}

// setConnected flips the connection gauge and resets the failure streak on
// success.
func (m *Mirror) setConnected(ctx context.Context, up bool) {
	m.healthMu.Lock()
	was := m.connected
	m.connected = up
	if up {
		m.failStreak = 0
	}
	m.healthMu.Unlock()
	if up != was {
		if up {
			m.metrics.MirrorConnected.Add(ctx, 1)
		} else {
			m.metrics.MirrorConnected.Add(ctx, -1)
		}
	}
}

func (m *Mirror) connectionFailed() {
	m.healthMu.Lock()
	m.failStreak++
	m.healthMu.Unlock()
}

// Healthy reports whether the mirror can be trusted for entity answers. It
// stays true through short blips and goes false after several consecutive
// connection failures.
func (m *Mirror) Healthy() bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	return m.connected || m.failStreak < unhealthyAfter
}

// Connected reports whether the hub socket is currently live.
func (m *Mirror) Connected() bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	return m.connected
}

// LastRefresh returns when the last bulk fetch completed.
func (m *Mirror) LastRefresh() time.Time {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	return m.lastRefresh
}
