// Package reconnect implements a persistent outbound stream connection with
// exponential backoff and Gaussian jitter. It is the state machine behind
// every TCP-based source: connect attempts are deduplicated, a successful
// connect resets the backoff, and every failure or connection loss routes
// back into a scheduled retry until StopTrying is called.
package reconnect

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"
)

// Backoff defaults, modelled after Twisted's ReconnectingClientFactory.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 3600 * time.Second
	DefaultFactor       = math.E
	DefaultJitter       = 0.119626565582
)

// DialFunc opens the underlying stream. The context is cancelled when
// StopTrying is called while the attempt is in flight.
type DialFunc func(ctx context.Context) (net.Conn, error)

// HandlerFunc owns an established connection. It runs on its own goroutine
// and must return when the connection is lost or the context is cancelled;
// returning triggers the retry path. The client closes the connection after
// the handler returns, so handlers may leave it open on every exit path.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// Config controls backoff escalation.
type Config struct {
	InitialDelay time.Duration // first retry delay (default 1s)
	MaxDelay     time.Duration // delay ceiling (default 3600s)
	Factor       float64       // growth factor per failure (default e)
	Jitter       float64       // Gaussian jitter as a fraction of the delay (default ~12%)
	MaxRetries   int           // 0 means retry forever
}

// withDefaults fills zero values with the package defaults.
func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Factor <= 0 {
		c.Factor = DefaultFactor
	}
	return c
}

// Client maintains connectivity to a single endpoint. The zero value is not
// usable; construct with NewClient.
type Client struct {
	cfg     Config
	dial    DialFunc
	handler HandlerFunc
	logger  *slog.Logger

	// onAttempt, when set, is invoked before every dial. Used for metrics
	// and by tests to observe attempt counts.
	onAttempt func()

	mu             sync.Mutex
	retries        int
	delay          time.Duration // base delay before jitter
	continueTrying bool
	connected      bool
	inFlight       bool
	timer          *time.Timer
	attemptCancel  context.CancelFunc
	rng            *rand.Rand

	// wg tracks the attempt/handler goroutine so StopTrying can be
	// followed by a Wait in tests.
	wg sync.WaitGroup
}

// Option customises a Client.
type Option func(*Client)

// WithDial replaces the default TCP dialer.
func WithDial(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConfig sets the backoff configuration.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg.withDefaults() }
}

// WithAttemptHook registers a callback invoked before every dial attempt.
func WithAttemptHook(hook func()) Option {
	return func(c *Client) { c.onAttempt = hook }
}

// NewClient creates a client for the given `host:port` endpoint. The handler
// receives each established connection; see HandlerFunc for its contract.
func NewClient(address string, handler HandlerFunc, opts ...Option) *Client {
	cfg := Config{}.withDefaults()

	c := &Client{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default().With("component", "reconnect", "address", address),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}

	for _, opt := range opts {
		opt(c)
	}

	c.delay = c.cfg.InitialDelay
	c.continueTrying = true
	return c
}

// Connect triggers a connection attempt. It is idempotent: if an attempt is
// already in flight, or StopTrying has been called, no second attempt starts.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectLocked()
}

func (c *Client) connectLocked() {
	if !c.continueTrying || c.inFlight {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.inFlight = true
	c.attemptCancel = cancel

	c.wg.Add(1)
	go c.attempt(ctx)
}

// attempt dials once and, on success, runs the handler until the connection
// drops. Both outcomes release the in-flight slot.
func (c *Client) attempt(ctx context.Context) {
	defer c.wg.Done()

	if c.onAttempt != nil {
		c.onAttempt()
	}

	conn, err := c.dial(ctx)

	c.mu.Lock()
	if err != nil {
		c.inFlight = false
		c.attemptCancel = nil
		c.connected = false
		stopping := !c.continueTrying
		c.mu.Unlock()
		if stopping || ctx.Err() != nil {
			return
		}
		c.logger.Warn("connect failed", "error", err)
		c.retry()
		return
	}

	// Successful connect resets the backoff state. The in-flight slot and
	// cancel func stay held while the handler runs so StopTrying can cut a
	// blocked read loose.
	c.connected = true
	c.retries = 0
	c.delay = c.cfg.InitialDelay
	c.mu.Unlock()

	// Unblock handler reads when StopTrying cancels the attempt.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	c.handler(ctx, conn)
	close(watchDone)
	_ = conn.Close()

	c.mu.Lock()
	c.inFlight = false
	c.attemptCancel = nil
	c.connected = false
	stopping := !c.continueTrying
	c.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return
	}
	c.logger.Warn("connection lost")
	c.retry()
}

// retry escalates the backoff and schedules the next attempt. A finite
// MaxRetries cap makes the client give up silently once exceeded.
func (c *Client) retry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.continueTrying {
		return
	}

	c.retries++
	if c.cfg.MaxRetries > 0 && c.retries > c.cfg.MaxRetries {
		c.logger.Warn("giving up after max retries", "retries", c.retries-1)
		return
	}

	c.delay = min(time.Duration(float64(c.delay)*c.cfg.Factor), c.cfg.MaxDelay)

	sleep := c.delay
	if c.cfg.Jitter > 0 {
		// normalvariate(delay, delay*jitter), floored so a negative sample
		// cannot schedule in the past
		sleep = time.Duration(c.rng.NormFloat64()*float64(c.delay)*c.cfg.Jitter) + c.delay
		if sleep < 0 {
			sleep = 0
		}
	}

	c.logger.Debug("scheduling reconnect", "delay", sleep, "retries", c.retries)
	c.timer = time.AfterFunc(sleep, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.timer = nil
		c.connectLocked()
	})
}

// StopTrying cancels any pending retry timer and any in-flight attempt, and
// prevents all future attempts. Safe to call from any state, repeatedly.
func (c *Client) StopTrying() {
	c.mu.Lock()
	c.continueTrying = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.connected = false
	c.mu.Unlock()
}

// Wait blocks until the in-flight attempt and handler (if any) have returned.
// Call after StopTrying for a clean shutdown.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Retries returns the consecutive failure count since the last successful
// connect.
func (c *Client) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Delay returns the current base retry delay (before jitter).
func (c *Client) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}
