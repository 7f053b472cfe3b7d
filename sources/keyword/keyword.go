// Package keyword implements the "keyword" source kind: the legacy
// observatory keyword protocol, a persistent TCP stream of lines of the
// form
//
//	actor key1=value; key2=value1,value2
//
// Every line becomes one measurement named after the actor, with one field
// per keyword value. Multi-valued keywords expand into key_0, key_1, ...
// fields. An actor allowlist restricts which lines are kept.
package keyword

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/reconnect"
	"github.com/sdss/cerebro/source"
)

// Kind is the registry name of this source type.
const Kind = "keyword"

// Source consumes one keyword stream.
type Source struct {
	source.Base

	address string
	actors  map[string]bool // empty means all actors pass

	client *reconnect.Client

	mu        sync.Mutex
	ready     chan struct{}
	readyOnce *sync.Once

	recordAttempt func()
}

// New builds a keyword source from its configuration parameters.
func New(name string, params map[string]any, deps source.Dependencies) (source.Source, error) {
	host := config.GetString(params, "host", "")
	if host == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Keyword", "New", fmt.Sprintf("source %q host parameter", name))
	}
	port := config.GetInt(params, "port", 0)
	if port <= 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Keyword", "New", fmt.Sprintf("source %q port parameter", name))
	}

	s := &Source{
		Base:    source.NewBase(name, Kind, params, deps),
		address: net.JoinHostPort(host, strconv.Itoa(port)),
	}
	if actors := config.GetStringSlice(params, "actors", nil); len(actors) > 0 {
		s.actors = make(map[string]bool, len(actors))
		for _, actor := range actors {
			s.actors[actor] = true
		}
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

// Start connects to the keyword hub and blocks until the stream is
// established or the context expires.
func (s *Source) Start(ctx context.Context) error {
	if s.Running() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"Keyword", "Start", fmt.Sprintf("source %q state check", s.Name()))
	}

	s.mu.Lock()
	s.ready = make(chan struct{})
	s.readyOnce = &sync.Once{}
	opts := []reconnect.Option{reconnect.WithLogger(s.Logger())}
	if s.recordAttempt != nil {
		opts = append(opts, reconnect.WithAttemptHook(s.recordAttempt))
	}
	s.client = reconnect.NewClient(s.address, s.stream, opts...)
	client, ready := s.client, s.ready
	s.mu.Unlock()

	client.Connect()

	select {
	case <-ready:
		s.SetRunning(true)
		return nil
	case <-ctx.Done():
		client.StopTrying()
		return errors.WrapTransient(ctx.Err(), "Keyword", "Start",
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

// stream owns one established connection, emitting a measurement per
// parseable line until the connection breaks.
func (s *Source) stream(ctx context.Context, conn net.Conn) {
	s.signalReady()
	scanner := bufio.NewScanner(conn)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		actor, fields := ParseLine(scanner.Text())
		if actor == "" || len(fields) == 0 {
			continue
		}
		if s.actors != nil && !s.actors[actor] {
			continue
		}

		m := measurement.New(actor)
		m.Fields = fields
		m.Tag("actor", actor)
		s.Emit(m)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.Logger().Warn("keyword stream read failed", "error", err)
	}
}

// ParseLine parses one keyword line into its actor and fields. Keywords
// are separated by semicolons; a multi-valued keyword `k=a,b` expands to
// k_0 and k_1.
func ParseLine(line string) (string, []measurement.Field) {
	line = strings.TrimSpace(line)
	actor, rest, found := strings.Cut(line, " ")
	if !found || actor == "" {
		return "", nil
	}

	var fields []measurement.Field
	for _, clause := range strings.Split(rest, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		key, raw, ok := strings.Cut(clause, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}

		values := strings.Split(raw, ",")
		if len(values) == 1 {
			fields = append(fields, measurement.Field{
				Key:   key,
				Value: measurement.ParseScalar(strings.TrimSpace(values[0])),
			})
			continue
		}
		for i, value := range values {
			fields = append(fields, measurement.Field{
				Key:   fmt.Sprintf("%s_%d", key, i),
				Value: measurement.ParseScalar(strings.TrimSpace(value)),
			})
		}
	}
	return actor, fields
}
