// Package tcpdevice implements the "tcp-device" source kind: an ASCII
// instrument behind a TCP socket that answers a query line with a single
// `key=value key=value ...` reply. Each poll becomes one measurement.
// The connection is maintained by a reconnecting client, so a device that
// goes away is retried with backoff until it returns.
package tcpdevice

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/reconnect"
	"github.com/sdss/cerebro/source"
)

// Kind is the registry name of this source type.
const Kind = "tcp-device"

// DefaultInterval is the poll period when the config does not set one.
const DefaultInterval = 10 * time.Second

// DefaultIOTimeout bounds one query/reply exchange.
const DefaultIOTimeout = 5 * time.Second

// Source polls one TCP-attached instrument.
type Source struct {
	source.Base

	address     string
	query       string
	interval    time.Duration
	ioTimeout   time.Duration
	measurement string
	metrics     *sourceMetrics

	client *reconnect.Client

	mu        sync.Mutex
	ready     chan struct{}
	readyOnce *sync.Once
}

type sourceMetrics struct {
	recordAttempt func()
}

// New builds a tcp-device source from its configuration parameters.
func New(name string, params map[string]any, deps source.Dependencies) (source.Source, error) {
	host := config.GetString(params, "host", "")
	if host == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"TCPDevice", "New", fmt.Sprintf("source %q host parameter", name))
	}
	port := config.GetInt(params, "port", 0)
	if port <= 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"TCPDevice", "New", fmt.Sprintf("source %q port parameter", name))
	}

	s := &Source{
		Base:        source.NewBase(name, Kind, params, deps),
		address:     net.JoinHostPort(host, strconv.Itoa(port)),
		query:       config.GetString(params, "query", "status"),
		interval:    config.GetDuration(params, "interval", DefaultInterval),
		ioTimeout:   config.GetDuration(params, "io_timeout", DefaultIOTimeout),
		measurement: config.GetString(params, "measurement", name),
	}
	if deps.Metrics != nil {
		metrics := deps.Metrics
		s.metrics = &sourceMetrics{
			recordAttempt: func() { metrics.Core.RecordReconnectAttempt(name) },
		}
	}
	return s, nil
}

// Register adds the kind to a source registry.
func Register(r *source.Registry) error {
	return r.Register(Kind, New)
}

// Start connects to the instrument and blocks until the first connection
// is established or the context expires. The reconnecting client keeps the
// link alive afterwards.
func (s *Source) Start(ctx context.Context) error {
	if s.Running() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"TCPDevice", "Start", fmt.Sprintf("source %q state check", s.Name()))
	}

	s.mu.Lock()
	s.ready = make(chan struct{})
	s.readyOnce = &sync.Once{}
	opts := []reconnect.Option{reconnect.WithLogger(s.Logger())}
	if s.metrics != nil {
		opts = append(opts, reconnect.WithAttemptHook(s.metrics.recordAttempt))
	}
	s.client = reconnect.NewClient(s.address, s.poll, opts...)
	client, ready := s.client, s.ready
	s.mu.Unlock()

	client.Connect()

	select {
	case <-ready:
		s.SetRunning(true)
		return nil
	case <-ctx.Done():
		client.StopTrying()
		return errors.WrapTransient(ctx.Err(), "TCPDevice", "Start",
			fmt.Sprintf("source %q first connect", s.Name()))
	}
}

// Stop tears the connection down and stops retrying.
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

// poll owns one established connection: query, parse, emit, sleep, until
// the connection breaks or the context is cancelled.
func (s *Source) poll(ctx context.Context, conn net.Conn) {
	s.signalReady()
	reader := bufio.NewReader(conn)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))
		if _, err := fmt.Fprintf(conn, "%s\n", s.query); err != nil {
			s.Logger().Warn("query write failed", "error", err)
			return
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			s.Logger().Warn("reply read failed", "error", err)
			return
		}

		if fields := ParseFields(strings.TrimSpace(line)); len(fields) > 0 {
			m := measurement.New(s.measurement)
			m.Fields = fields
			s.Emit(m)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ParseFields parses an ASCII `key=value key=value` reply line. Values are
// typed by trial: int, then float, then bool, falling back to string.
// Tokens without '=' and the bare "?" not-found reply produce no fields.
func ParseFields(line string) []measurement.Field {
	if line == "" || line == "?" {
		return nil
	}

	var fields []measurement.Field
	for _, token := range strings.Fields(line) {
		key, raw, found := strings.Cut(token, "=")
		if !found || key == "" {
			continue
		}
		fields = append(fields, measurement.Field{Key: key, Value: measurement.ParseScalar(raw)})
	}
	return fields
}
