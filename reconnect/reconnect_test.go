package reconnect

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig keeps test retries in the millisecond range with no jitter so
// delay assertions are deterministic.
func fastConfig() Config {
	return Config{
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Factor:       2.0,
		Jitter:       0,
	}
}

// failNDialer fails the first n dials, then returns one side of a pipe.
func failNDialer(n int, attempts *atomic.Int32) DialFunc {
	return func(_ context.Context) (net.Conn, error) {
		count := attempts.Add(1)
		if int(count) <= n {
			return nil, fmt.Errorf("connection refused (attempt %d)", count)
		}
		client, server := net.Pipe()
		go func() {
			// Hold the server side open until the client side closes.
			buf := make([]byte, 1)
			_, _ = server.Read(buf)
			_ = server.Close()
		}()
		return client, nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition not met within "+timeout.String())
}

func TestConnectAfterFailures(t *testing.T) {
	// Scenario: the endpoint refuses 3 times, then accepts. The client must
	// report connected only after the failures and reset its retry count.
	var attempts atomic.Int32
	block := make(chan struct{})

	c := NewClient("irrelevant:0",
		func(ctx context.Context, _ net.Conn) {
			<-block // hold the connection until the test releases it
		},
		WithDial(failNDialer(3, &attempts)),
		WithConfig(fastConfig()),
	)

	c.Connect()

	waitFor(t, time.Second, c.Connected)
	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, 0, c.Retries())

	close(block)
	c.StopTrying()
	c.Wait()
}

func TestDelayEscalationCappedAtMax(t *testing.T) {
	var attempts atomic.Int32

	c := NewClient("irrelevant:0",
		func(context.Context, net.Conn) {},
		WithDial(failNDialer(1000, &attempts)),
		WithConfig(fastConfig()),
	)

	var delays []time.Duration
	c.Connect()
	waitFor(t, 2*time.Second, func() bool {
		delays = append(delays, c.Delay())
		return attempts.Load() >= 8
	})
	c.StopTrying()
	c.Wait()

	// Base delay is non-decreasing and never exceeds the cap.
	last := time.Duration(0)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, last)
		assert.LessOrEqual(t, d, fastConfig().MaxDelay)
		last = d
	}
	assert.Equal(t, fastConfig().MaxDelay, c.Delay())
}

func TestStopTryingQuiesces(t *testing.T) {
	var attempts atomic.Int32

	c := NewClient("irrelevant:0",
		func(context.Context, net.Conn) {},
		WithDial(failNDialer(1000, &attempts)),
		WithConfig(fastConfig()),
	)

	c.Connect()
	waitFor(t, time.Second, func() bool { return attempts.Load() >= 2 })

	c.StopTrying()
	c.Wait()
	after := attempts.Load()

	// Observation window: no further dials may happen.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, attempts.Load())
	assert.False(t, c.Connected())
}

func TestStopTryingIdempotent(t *testing.T) {
	c := NewClient("irrelevant:0", func(context.Context, net.Conn) {})
	c.StopTrying()
	c.StopTrying()

	// Connect after StopTrying must not start an attempt.
	var attempts atomic.Int32
	c.dial = failNDialer(0, &attempts)
	c.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), attempts.Load())
}

func TestConnectIdempotentWhileInFlight(t *testing.T) {
	var attempts atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	c := NewClient("irrelevant:0",
		func(context.Context, net.Conn) {},
		WithDial(func(context.Context) (net.Conn, error) {
			attempts.Add(1)
			close(started)
			<-release
			return nil, fmt.Errorf("refused")
		}),
		WithConfig(fastConfig()),
	)

	c.Connect()
	<-started
	// Second and third Connect while the first dial is still blocking.
	c.Connect()
	c.Connect()

	// Stop before releasing the dial so no retry can be scheduled.
	c.StopTrying()
	close(release)
	c.Wait()
	assert.Equal(t, int32(1), attempts.Load())
}

func TestMaxRetriesGivesUpSilently(t *testing.T) {
	var attempts atomic.Int32
	cfg := fastConfig()
	cfg.MaxRetries = 2

	c := NewClient("irrelevant:0",
		func(context.Context, net.Conn) {},
		WithDial(failNDialer(1000, &attempts)),
		WithConfig(cfg),
	)

	c.Connect()

	// 1 initial attempt + 2 retries, then silence.
	waitFor(t, time.Second, func() bool { return attempts.Load() >= 3 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.False(t, c.Connected())
	c.StopTrying()
	c.Wait()
}

func TestHandlerReturnTriggersReconnect(t *testing.T) {
	var attempts atomic.Int32
	var handled atomic.Int32

	c := NewClient("irrelevant:0",
		func(_ context.Context, conn net.Conn) {
			handled.Add(1)
			_ = conn.Close() // simulate immediate connection loss
		},
		WithDial(failNDialer(0, &attempts)),
		WithConfig(fastConfig()),
	)

	c.Connect()
	waitFor(t, time.Second, func() bool { return handled.Load() >= 2 })

	c.StopTrying()
	c.Wait()
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}
