package backoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer records requested waits and fires immediately.
type instantTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newInstantTimer() *instantTimer { return &instantTimer{c: make(chan time.Time, 1)} }

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Now()
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func withTimer(t cbackoff.Timer) Option {
	return func(o *options) { o.timer = t }
}

var errReset = errors.New("connection reset")

func TestPolicy_DelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: 1000 * time.Millisecond, MaxDelay: 30000 * time.Millisecond, Factor: 2}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 16*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(6), "1000*2^5 = 32000 must be capped")
	assert.Equal(t, 30*time.Second, p.Delay(60))
	assert.Equal(t, time.Duration(0), p.Delay(0))
}

func TestExecute_WaitsFollowPolicy(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Factor: 2, MaxAttempts: 7}
	timer := newInstantTimer()
	attempts := 0

	_, err := Execute(context.Background(), p, func(context.Context) (int, error) {
		attempts++
		return 0, errReset
	}, nil, withTimer(timer))

	require.ErrorIs(t, err, errReset)
	assert.Equal(t, 7, attempts)
	require.Len(t, timer.delays, 6)
	for i, d := range timer.delays {
		assert.Equal(t, p.Delay(i+1), d, "wait before retry %d", i+1)
	}
	assert.Equal(t, 30*time.Second, timer.delays[5])
}

func TestExecute_JitterStaysWithinQuarter(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2, MaxAttempts: 6, Jitter: true}
	timer := newInstantTimer()

	_ = Do(context.Background(), p, func(context.Context) error { return errReset }, nil, withTimer(timer))

	require.Len(t, timer.delays, 5)
	for i, d := range timer.delays {
		nominal := float64(p.Delay(i + 1))
		assert.GreaterOrEqual(t, float64(d), nominal*0.75-1)
		assert.LessOrEqual(t, float64(d), nominal*1.25+1)
	}
}

func TestExecute_StopsOnFatalError(t *testing.T) {
	p := DefaultPolicy()
	timer := newInstantTimer()
	fatal := errors.New("auth rejected")
	attempts := 0

	err := Do(context.Background(), p, func(context.Context) error {
		attempts++
		if attempts == 2 {
			return fatal
		}
		return errReset
	}, func(err error) bool { return !errors.Is(err, fatal) }, withTimer(timer))

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, attempts)
	assert.Len(t, timer.delays, 1)
}

func TestExecute_ReturnsValueAfterRecovery(t *testing.T) {
	timer := newInstantTimer()
	attempts := 0
	var notified []int

	v, err := Execute(context.Background(), DefaultPolicy(), func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", syscall.ECONNRESET
		}
		return "ok", nil
	}, IsTransient, withTimer(timer), WithNotify(func(_ error, retry int, _ time.Duration) {
		notified = append(notified, retry)
	}))

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestExecute_CancelDuringWait(t *testing.T) {
	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, Factor: 2, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	err := Do(ctx, p, func(context.Context) error { return errReset }, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"reset wrapped", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"eof", io.EOF, true},
		{"marked transient", Transient(errors.New("busy")), true},
		{"marked permanent", Permanent(io.EOF), false},
		{"unknown", errors.New("malformed symbol"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
