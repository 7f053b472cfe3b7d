// Package httppoll implements the "http-poll" source kind: periodic GET of
// a JSON endpoint, flattened into one measurement per response.
package httppoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/measurement"
	"github.com/sdss/cerebro/pkg/flatten"
	"github.com/sdss/cerebro/source"
)

// Kind is the registry name of this source type.
const Kind = "http-poll"

// Defaults.
const (
	DefaultInterval       = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	// maxBodySize caps how much of a response we are willing to decode.
	maxBodySize = 1 << 20
)

// Source polls an HTTP endpoint on a fixed interval.
type Source struct {
	source.Base

	endpoint       string
	interval       time.Duration
	measurement    string
	groupers       []string
	timestampField string
	client         *http.Client
	limiter        *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an http-poll source from its configuration parameters.
func New(name string, params map[string]any, deps source.Dependencies) (source.Source, error) {
	endpoint := config.GetString(params, "url", "")
	if endpoint == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"HTTPPoll", "New", fmt.Sprintf("source %q url parameter", name))
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, errors.WrapInvalid(err, "HTTPPoll", "New",
			fmt.Sprintf("source %q url parameter", name))
	}

	interval := config.GetDuration(params, "interval", DefaultInterval)

	return &Source{
		Base:           source.NewBase(name, Kind, params, deps),
		endpoint:       endpoint,
		interval:       interval,
		measurement:    config.GetString(params, "measurement", name),
		groupers:       config.GetStringSlice(params, "groupers", nil),
		timestampField: config.GetString(params, "timestamp_field", ""),
		client: &http.Client{
			Timeout: config.GetDuration(params, "timeout", DefaultRequestTimeout),
		},
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

// Register adds the kind to a source registry.
func Register(r *source.Registry) error {
	return r.Register(Kind, New)
}

// Start performs one fetch to prove the endpoint answers, then polls in the
// background.
func (s *Source) Start(ctx context.Context) error {
	if s.Running() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"HTTPPoll", "Start", fmt.Sprintf("source %q state check", s.Name()))
	}

	if err := s.fetchOnce(ctx); err != nil {
		return errors.WrapTransient(err, "HTTPPoll", "Start",
			fmt.Sprintf("source %q initial fetch of %s", s.Name(), s.endpoint))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.SetRunning(true)
	go s.poll(loopCtx, done)

	s.Logger().Info("polling", "url", s.endpoint, "interval", s.interval)
	return nil
}

// Stop ends the poll loop.
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.SetRunning(false)
	return nil
}

func (s *Source) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.fetchOnce(ctx); err != nil {
			s.Logger().Warn("fetch failed", "url", s.endpoint, "error", err)
		}
	}
}

// fetchOnce performs one GET and emits the decoded measurement.
func (s *Source) fetchOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return err
	}

	data := map[string]any{}
	if err := json.Unmarshal(body, &data); err != nil {
		return err
	}

	fields, groupings := flatten.Map(data, s.groupers)
	if len(fields) == 0 {
		return nil
	}

	m := measurement.New(s.measurement)
	if s.timestampField != "" {
		if epoch, ok := fields[s.timestampField].(float64); ok {
			m.Time = int64(epoch * 1e9)
			delete(fields, s.timestampField)
		}
	}
	for _, key := range flatten.Keys(fields) {
		m.Set(key, fields[key])
	}
	for key, value := range groupings {
		m.Tag(key, value)
	}
	s.Emit(m)
	return nil
}
