// Package gateway paces, batches and retries outbound Graph API calls.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"adsync/internal/graph"
	"adsync/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// MaxBatchSize is the upstream limit of sub-requests per batch call.
const MaxBatchSize = 50

// ErrRetriesExhausted marks a unit of work that kept failing transiently.
var ErrRetriesExhausted = errors.New("retries exhausted")

var errPendingRetry = errors.New("batch items pending retry")

// Batcher performs one physical batch call.
type Batcher interface {
	Batch(ctx context.Context, token string, reqs []graph.BatchRequest) ([]*graph.BatchResponse, error)
}

// Config tunes pacing and retries.
type Config struct {
	BatchSize      int
	MaxConcurrency int
	MinSpacing     time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// Result is the outcome of one batch sub-request.
type Result struct {
	Status int
	Body   []byte
	Err    error
}

// Decode unmarshals a successful sub-response.
func (r Result) Decode(dest any) error {
	if r.Err != nil {
		return r.Err
	}
	resp := graph.BatchResponse{Code: r.Status, Body: string(r.Body)}
	return resp.Decode(dest)
}

// Gateway bounds concurrent physical calls, spaces their start times and
// retries transient failures with exponential backoff and jitter.
type Gateway struct {
	batcher Batcher
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds a gateway. Zero config values fall back to upstream-safe defaults.
func New(batcher Batcher, cfg Config, logger *slog.Logger, metrics *metrics.Metrics) *Gateway {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}
	return &Gateway{
		batcher: batcher,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("component", "gateway"),
		metrics: metrics,
	}
}

// Do runs a non-batchable call through the gate, retrying transient failures.
// Non-transient errors are returned as soon as they occur.
func (g *Gateway) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	op := func() (struct{}, error) {
		err := g.call(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case graph.IsTransient(err) && ctx.Err() == nil:
			g.countRetry(err)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}
	_, err := backoff.Retry(ctx, op, g.retryOptions("call")...)
	err = unwrapPermanent(err)
	if err != nil && graph.IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	return err
}

// SubmitBatch executes reqs in physical batches of at most BatchSize. The
// result slice is aligned with reqs. Items failing transiently are retried
// up to MaxRetries times and then marked with ErrRetriesExhausted without
// failing the rest. An expired credential aborts the whole submission: the
// error is returned and unfinished items carry it too.
func (g *Gateway) SubmitBatch(ctx context.Context, token string, reqs []graph.BatchRequest) ([]Result, error) {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	pending := make([]int, len(reqs))
	for i := range pending {
		pending[i] = i
	}
	lastErr := make(map[int]error)

	op := func() (struct{}, error) {
		retry, err := g.runAttempt(ctx, token, reqs, pending, results, lastErr)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		pending = retry
		if len(pending) > 0 {
			g.countRetryKind("batch_item", len(pending))
			return struct{}{}, fmt.Errorf("%w: %d", errPendingRetry, len(pending))
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op, g.retryOptions("batch")...)
	err = unwrapPermanent(err)
	switch {
	case err == nil:
		return results, nil
	case errors.Is(err, errPendingRetry):
		for _, idx := range pending {
			results[idx].Err = fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr[idx])
		}
		g.logger.Warn("batch items skipped after retries", "count", len(pending), "max_retries", g.cfg.MaxRetries)
		return results, nil
	default:
		for _, idx := range pending {
			if results[idx].Err == nil && results[idx].Status == 0 {
				results[idx].Err = err
			}
		}
		return results, err
	}
}

// runAttempt issues every pending item once and returns the indices that
// need another attempt. A returned error aborts the submission.
func (g *Gateway) runAttempt(ctx context.Context, token string, reqs []graph.BatchRequest, pending []int, results []Result, lastErr map[int]error) ([]int, error) {
	var (
		mu    sync.Mutex
		retry []int
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, chunk := range chunkIndices(pending, g.cfg.BatchSize) {
		eg.Go(func() error {
			sub := make([]graph.BatchRequest, len(chunk))
			for i, idx := range chunk {
				sub[i] = reqs[idx]
			}
			if g.metrics != nil {
				g.metrics.GatewayBatchSize.Observe(float64(len(sub)))
			}

			var resps []*graph.BatchResponse
			err := g.call(egCtx, func(ctx context.Context) error {
				var callErr error
				resps, callErr = g.batcher.Batch(ctx, token, sub)
				return callErr
			})
			if err != nil {
				mu.Lock()
				defer mu.Unlock()
				switch {
				case graph.IsExpired(err):
					for _, idx := range chunk {
						results[idx].Err = err
					}
					return err
				case graph.IsTransient(err) && egCtx.Err() == nil:
					for _, idx := range chunk {
						lastErr[idx] = err
					}
					retry = append(retry, chunk...)
					return nil
				case egCtx.Err() != nil:
					return err
				default:
					for _, idx := range chunk {
						results[idx].Err = err
					}
					return nil
				}
			}

			mu.Lock()
			defer mu.Unlock()
			var abort error
			for i, idx := range chunk {
				var resp *graph.BatchResponse
				if i < len(resps) {
					resp = resps[i]
				}
				itemErr := graph.BatchError(resp)
				if itemErr == nil {
					results[idx] = Result{Status: resp.Code, Body: []byte(resp.Body)}
					continue
				}
				switch {
				case graph.IsExpired(itemErr):
					results[idx].Err = itemErr
					abort = itemErr
				case graph.IsTransient(itemErr):
					lastErr[idx] = itemErr
					retry = append(retry, idx)
				default:
					results[idx] = Result{Status: resp.Code, Err: itemErr}
				}
			}
			return abort
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Ints(retry)
	return retry, nil
}

// call waits for a concurrency slot and the pacing limiter, then runs fn.
func (g *Gateway) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func (g *Gateway) retryOptions(kind string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.BaseDelay
	b.MaxInterval = g.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.cfg.MaxRetries) + 1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			g.logger.Debug("retrying upstream call", "kind", kind, "wait", wait, "error", err)
		}),
	}
}

func (g *Gateway) countRetry(err error) {
	kind := "transient"
	if graph.IsRateLimited(err) {
		kind = "rate_limited"
	}
	g.countRetryKind(kind, 1)
}

func (g *Gateway) countRetryKind(kind string, n int) {
	if g.metrics == nil {
		return
	}
	g.metrics.GatewayRetries.WithLabelValues(kind).Add(float64(n))
}

// unwrapPermanent strips the backoff wrapper, which Retry leaves in place
// when the final allowed attempt returned a permanent error.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

func chunkIndices(indices []int, size int) [][]int {
	var chunks [][]int
	for start := 0; start < len(indices); start += size {
		end := min(start+size, len(indices))
		chunks = append(chunks, indices[start:end])
	}
	return chunks
}
