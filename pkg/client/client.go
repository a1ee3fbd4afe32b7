// Package client provides a resilient HTTP client with bounded concurrency,
// request spacing, retry with backoff and rate limit aware waiting.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/resilient-fetch/pkg/logging"
	"github.com/Sternrassler/resilient-fetch/pkg/queue"
	"github.com/Sternrassler/resilient-fetch/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client runs logical requests through a throttling queue. Each logical
// request may issue several physical attempts.
type Client struct {
	settings  settings
	transport Transport
	queue     *queue.Queue
	gate      *ratelimit.Gate
	logger    zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger("fetch-client")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "fetch-client").Logger()
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Client{}
	}

	q, err := queue.New(queue.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		MinSpacing:     cfg.Spacing(),
	}, logger.With().Str("component", "fetch-queue").Logger())
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}

	c := &Client{
		settings:  newSettings(cfg),
		transport: transport,
		queue:     q,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
	if cfg.RateLimitStore != nil {
		c.gate = ratelimit.NewGate(cfg.RateLimitStore, logger)
	}

	return c, nil
}

// Fetch performs a logical request. rawURL is resolved against the base URL
// unless it is absolute. On success the caller must close the response body.
func (c *Client) Fetch(ctx context.Context, rawURL string, init *RequestInit) (*http.Response, error) {
	spec, err := newRequestSpec(c.settings, rawURL, init)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	startTime := time.Now()
	defer func() {
		fetchRequestDuration.WithLabelValues(spec.Method).Observe(time.Since(startTime).Seconds())
	}()

	var resp *http.Response
	err = c.queue.Schedule(ctx, id, func(jobCtx context.Context) error {
		var runErr error
		resp, runErr = c.run(ctx, jobCtx, id, spec)
		return runErr
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.Fetch(ctx, rawURL, nil)
}

// Do adapts a standard request. The request body is read once so it can be
// replayed on retries.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	init := &RequestInit{
		Method: req.Method,
		Header: req.Header,
	}

	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		init.Body = body
	}

	return c.Fetch(req.Context(), req.URL.String(), init)
}

// Subscribe registers l for queue events, retries included.
func (c *Client) Subscribe(l queue.Listener) {
	c.queue.Subscribe(l)
}

// Stats returns the number of running and waiting logical requests.
func (c *Client) Stats() (running, waiting int) {
	return c.queue.Running(), c.queue.Waiting()
}

// Close stops the queue. Pending requests fail with queue.ErrQueueClosed.
func (c *Client) Close() error {
	c.queue.Close()
	return nil
}

// run is the attempt loop of one logical request. Attempts use the caller's
// ctx so a successful body outlives the job; waits use jobCtx.
func (c *Client) run(ctx, jobCtx context.Context, id string, spec RequestSpec) (*http.Response, error) {
	logger := c.logger.With().
		Str("request_id", id).
		Str("method", spec.Method).
		Str("url", spec.URL).
		Logger()
	host := spec.host()

	for attempt := 0; ; attempt++ {
		if c.gate != nil {
			if _, err := c.gate.Wait(jobCtx, host); err != nil {
				return nil, err
			}
		}
		if jobCtx.Err() != nil {
			return nil, context.Cause(jobCtx)
		}

		logger.Debug().Int("attempt", attempt).Msg("Executing request")

		outcome, err := c.execute(ctx, spec)
		if err != nil {
			fetchErrorsTotal.WithLabelValues(string(ErrorClassUnclassified)).Inc()
			logger.Error().Err(err).Int("attempt", attempt).Msg("Request failed")
			return nil, err
		}

		fetchRequestsTotal.WithLabelValues(spec.Method, statusLabel(outcome)).Inc()

		if outcome.Kind == Success {
			if attempt > 0 {
				logger.Info().
					Int("attempt", attempt).
					Int("status", outcome.Response.StatusCode).
					Msg("Request succeeded after retry")
			}
			return outcome.Response, nil
		}

		class := classify(outcome)
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()

		decision := c.decide(outcome, attempt)
		if decision.ParseErr != nil {
			logger.Warn().
				Err(decision.ParseErr).
				Int("attempt", attempt).
				Msg("Malformed rate limit header, falling back to backoff")
		}

		if !decision.Retry {
			err := outcomeError(spec, outcome, attempt)
			if decision.Reason == ReasonMaxRetries && attempt > 0 {
				fetchRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
				err = fmt.Errorf("%w after %d retries: %w", ErrRetryExhausted, attempt, err)
			}
			logger.Error().
				Err(err).
				Int("attempt", attempt).
				Str("error_class", string(class)).
				Str("reason", decision.Reason).
				Msg("Giving up on request")
			return nil, err
		}

		wait := decision.Wait
		if decision.RateLimited && c.gate != nil {
			// The gate holds back the next attempt, and every other
			// request to this host.
			if err := c.gate.Block(jobCtx, host, decision.Wait); err != nil {
				logger.Warn().Err(err).Msg("Failed to record rate limit reset")
			} else {
				wait = 0
			}
		}

		fetchRetriesTotal.WithLabelValues(string(class)).Inc()
		fetchRetryBackoffSeconds.WithLabelValues(string(class)).Observe(decision.Wait.Seconds())

		logger.Warn().
			Int("attempt", attempt).
			Str("error_class", string(class)).
			Str("reason", decision.Reason).
			Dur("wait", decision.Wait).
			Msg("Retrying request")

		c.queue.Emit(queue.Event{
			Type:    queue.EventRetry,
			ID:      id,
			Attempt: attempt + 1,
			Wait:    decision.Wait,
			Reason:  decision.Reason,
			Err:     outcomeError(spec, outcome, attempt),
		})

		if err := c.sleep(jobCtx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) decide(o Outcome, attempt int) Decision {
	return decide(c.settings, o, attempt, c.now())
}

func statusLabel(o Outcome) string {
	switch o.Kind {
	case Timeout:
		return "timeout"
	case NetworkFailure:
		return "network_error"
	default:
		return strconv.Itoa(o.Response.StatusCode)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
