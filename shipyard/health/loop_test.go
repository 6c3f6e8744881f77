package health

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

type fakeClock struct {
	now    time.Time
	sleeps int
	// cancel, when set, is called on the nth sleep
	cancelAt int
	cancel   context.CancelFunc
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps++
	if c.cancel != nil && c.sleeps == c.cancelAt {
		c.cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

// healthyAt returns a prober that reports "starting" until poll k.
func healthyAt(k int, polls *int) Prober {
	return ProberFunc(func(ctx context.Context) (string, error) {
		*polls++
		if k > 0 && *polls >= k {
			return "healthy", nil
		}
		return "starting", nil
	})
}

func TestLoopPollsUntilHealthy(t *testing.T) {
	for k := 1; k <= 5; k++ {
		polls := 0
		clock := newFakeClock()
		loop := NewLoop(healthyAt(k, &polls), "ml-app", 3*time.Second, 20, log.Discard(), WithClock(clock))

		hc := loop.Run(context.Background())

		assert.Equal(t, models.HealthHealthy, hc.Status)
		assert.Equal(t, k, polls, "no polls after the first healthy")
		assert.Equal(t, k, hc.Attempts)
		assert.Equal(t, k-1, clock.sleeps)
		assert.Equal(t, time.Duration(k-1)*3*time.Second, hc.Elapsed)
	}
}

func TestLoopTimesOut(t *testing.T) {
	polls := 0
	clock := newFakeClock()
	loop := NewLoop(healthyAt(0, &polls), "ml-app", time.Second, 7, log.Discard(), WithClock(clock))

	hc := loop.Run(context.Background())

	assert.Equal(t, models.HealthTimedOut, hc.Status)
	assert.Equal(t, 7, polls)
	assert.Equal(t, 7, hc.Attempts)
	assert.Equal(t, "starting", hc.LastRaw)
	assert.LessOrEqual(t, hc.Elapsed, 7*time.Second)
}

func TestLoopScenarios(t *testing.T) {
	tests := []struct {
		name      string
		healthyAt int
		want      models.HealthStatus
		elapsed   time.Duration
	}{
		{"healthy on fourth attempt", 4, models.HealthHealthy, 9 * time.Second},
		{"never healthy", 0, models.HealthTimedOut, 57 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			polls := 0
			loop := NewLoop(healthyAt(tt.healthyAt, &polls), "ml-app", 3*time.Second, 20, log.Discard(), WithClock(newFakeClock()))
			hc := loop.Run(context.Background())
			assert.Equal(t, tt.want, hc.Status)
			assert.Equal(t, tt.elapsed, hc.Elapsed)
		})
	}
}

func TestLoopProbeErrorIsNotHealthy(t *testing.T) {
	polls := 0
	p := ProberFunc(func(ctx context.Context) (string, error) {
		polls++
		if polls == 1 {
			return "healthy", errors.New("daemon went away mid-read")
		}
		return "healthy", nil
	})
	hc := NewLoop(p, "ml-app", time.Second, 5, log.Discard(), WithClock(newFakeClock())).Run(context.Background())
	assert.Equal(t, models.HealthHealthy, hc.Status)
	assert.Equal(t, 2, hc.Attempts)
}

func TestLoopCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	clock.cancelAt = 2
	clock.cancel = cancel

	polls := 0
	hc := NewLoop(healthyAt(0, &polls), "ml-app", time.Second, 20, log.Discard(), WithClock(clock)).Run(ctx)
	assert.Equal(t, models.HealthTimedOut, hc.Status)
	assert.Equal(t, 2, polls)
}

func TestLoopReport(t *testing.T) {
	var buf bytes.Buffer
	polls := 0
	NewLoop(healthyAt(2, &polls), "ml-app", time.Second, 3, log.Discard(),
		WithClock(newFakeClock()), WithReport(&buf)).Run(context.Background())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "attempt 1/3: starting")
	assert.Contains(t, lines[1], "attempt 2/3: healthy")
	assert.Contains(t, lines[2], "healthy after 1s")
}

type staticSource struct {
	status string
	err    error
}

func (s staticSource) Status(ctx context.Context) (string, error) { return s.status, s.err }

func TestStatusProber(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"healthy", "healthy"},
		{"running", "healthy"},
		{"unhealthy", "unhealthy"},
		{"starting", "starting"},
		{"exited", "exited"},
	}
	for _, tt := range tests {
		got, err := StatusProber{Source: staticSource{status: tt.raw}}.Probe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	_, err := StatusProber{Source: staticSource{err: errors.New("no such container")}}.Probe(context.Background())
	assert.Error(t, err)
}

func TestTCPProberNeedsEveryPort(t *testing.T) {
	open, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer open.Close()

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := closed.Addr().String()
	closed.Close()

	got, err := TCPProber{Addrs: []string{open.Addr().String()}}.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", got)

	got, err = TCPProber{Addrs: []string{open.Addr().String(), closedAddr}}.Probe(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "healthy", got)
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL+"/healthz", time.Second)

	got, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http 503", got)

	status.Store(http.StatusOK)
	got, err = p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", got)
}
