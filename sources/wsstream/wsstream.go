// Package wsstream implements the "websocket" source kind: a persistent
// WebSocket subscription carrying JSON telemetry frames. Each frame is
// flattened into one measurement; the connection reconnects with backoff
// when it drops.
package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/pkg/flatten"
	"github.com/sdss/cerebro/reconnect"
	"github.com/sdss/cerebro/source"
)

// Kind is the registry name of this source type.
const Kind = "websocket"

// DefaultHandshakeTimeout bounds the WebSocket upgrade.
const DefaultHandshakeTimeout = 5 * time.Second

// Source consumes one WebSocket stream.
type Source struct {
	source.Base

	endpoint    string
	measurement string
	groupers    []string

	client *reconnect.Client

	mu        sync.Mutex
	ws        *websocket.Conn
	ready     chan struct{}
	readyOnce *sync.Once

	recordAttempt func()
}

// New builds a websocket source from its configuration parameters.
func New(name string, params map[string]any, deps source.Dependencies) (source.Source, error) {
	endpoint := config.GetString(params, "url", "")
	if endpoint == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"WSStream", "New", fmt.Sprintf("source %q url parameter", name))
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"WSStream", "New", fmt.Sprintf("source %q url %q", name, endpoint))
	}

	s := &Source{
		Base:        source.NewBase(name, Kind, params, deps),
		endpoint:    endpoint,
		measurement: config.GetString(params, "measurement", name),
		groupers:    config.GetStringSlice(params, "groupers", nil),
	}
	if deps.Metrics != nil {
		metrics := deps.Metrics
		s.recordAttempt = func() { metrics.Core.RecordReconnectAttempt(name) }
	}
	return s, nil
}

// Register adds the kind to a source registry.
func Register(r *source.Registry) error {
	return r.Register(Kind, New)
}

// dial upgrades the connection and keeps the WebSocket handle for the
// stream loop. The underlying net.Conn is handed back so a cancelled
// attempt can sever a blocked read.
func (s *Source) dial(ctx context.Context) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: handshake status %s", err, resp.Status)
		}
		return nil, err
	}

	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()
	return ws.UnderlyingConn(), nil
}

// Start connects to the endpoint and blocks until the stream is established
// or the context expires.
func (s *Source) Start(ctx context.Context) error {
	if s.Running() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"WSStream", "Start", fmt.Sprintf("source %q state check", s.Name()))
	}

	s.mu.Lock()
	s.ready = make(chan struct{})
	s.readyOnce = &sync.Once{}
	opts := []reconnect.Option{
		reconnect.WithLogger(s.Logger()),
		reconnect.WithDial(s.dial),
	}
	if s.recordAttempt != nil {
		opts = append(opts, reconnect.WithAttemptHook(s.recordAttempt))
	}
	s.client = reconnect.NewClient(s.endpoint, s.stream, opts...)
	client, ready := s.client, s.ready
	s.mu.Unlock()

	client.Connect()

	select {
	case <-ready:
		s.SetRunning(true)
		return nil
	case <-ctx.Done():
		client.StopTrying()
		return errors.WrapTransient(ctx.Err(), "WSStream", "Start",
			fmt.Sprintf("source %q first connect", s.Name()))
	}
}

// Stop closes the stream and stops retrying.
func (s *Source) Stop() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.StopTrying()
		client.Wait()
	}
	s.SetRunning(false)
	return nil
}

func (s *Source) signalReady() {
	s.mu.Lock()
	once, ready := s.readyOnce, s.ready
	s.mu.Unlock()
	if once != nil {
		once.Do(func() { close(ready) })
	}
}

// stream owns one established connection, emitting a measurement per JSON
// frame until the connection breaks.
func (s *Source) stream(ctx context.Context, _ net.Conn) {
	s.signalReady()

	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()
	if ws == nil {
		return
	}

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.Logger().Warn("stream read failed", "error", err)
			}
			return
		}
		s.handleFrame(payload)
	}
}

// handleFrame converts one JSON frame into a measurement.
func (s *Source) handleFrame(payload []byte) {
	data := map[string]any{}
	if err := json.Unmarshal(payload, &data); err != nil {
		s.Logger().Warn("undecodable frame", "error", err)
		return
	}

	fields, groupings := flatten.Map(data, s.groupers)
	if len(fields) == 0 {
		return
	}

	m := measurement.New(s.measurement)
	for _, key := range flatten.Keys(fields) {
		m.Set(key, fields[key])
	}
	for key, value := range groupings {
		m.Tag(key, value)
	}
	s.Emit(m)
}
