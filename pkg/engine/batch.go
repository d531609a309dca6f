package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/hermit/pkg/actioncache"
	"github.com/openfroyo/hermit/pkg/execerr"
)

const defaultMaxParallel = 10

// ItemStatus is the state of one action in a batch.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
	ItemCanceled  ItemStatus = "canceled"
)

// BatchOptions controls RunAll.
type BatchOptions struct {
	// MaxParallel bounds concurrent submissions. Zero uses the configured
	// worker count.
	MaxParallel int

	// FailFast skips actions not yet started once one has failed.
	FailFast bool
}

// BatchItem is the result for one action of a batch.
type BatchItem struct {
	Action  *actioncache.Action
	Outcome *Outcome
	Err     error
	Status  ItemStatus
}

// BatchSummary counts items by result.
type BatchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cached    int `json:"cached"`
	Skipped   int `json:"skipped"`
	Canceled  int `json:"canceled"`
}

// BatchResult is the result of RunAll. Items are in submission order.
type BatchResult struct {
	RunID       string
	Items       []*BatchItem
	Summary     BatchSummary
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// Err returns the first failure in submission order, or nil.
func (r *BatchResult) Err() error {
	for _, it := range r.Items {
		if it.Err != nil {
			return fmt.Errorf("action %s: %w", it.Action.Name, it.Err)
		}
	}
	return nil
}

// RunAll submits independent actions concurrently through a worker pool.
// Actions sharing a fingerprint are executed once by the cache.
func (c *Core) RunAll(ctx context.Context, actions []*actioncache.Action, opts BatchOptions) *BatchResult {
	result := &BatchResult{
		RunID:     uuid.New().String(),
		Items:     make([]*BatchItem, len(actions)),
		StartedAt: time.Now(),
	}
	for i, a := range actions {
		result.Items[i] = &BatchItem{Action: a, Status: ItemPending}
	}

	workerCount := c.cfg.Exec.Workers
	if workerCount <= 0 {
		workerCount = defaultMaxParallel
	}
	if opts.MaxParallel > 0 {
		workerCount = opts.MaxParallel
	}
	if len(actions) < workerCount {
		workerCount = len(actions)
	}

	logger := c.logger.With().Str("run_id", result.RunID).Logger()
	logger.Info().Int("actions", len(actions)).Int("workers", workerCount).Msg("Batch started")

	workQueue := make(chan *BatchItem, len(actions))
	for _, it := range result.Items {
		workQueue <- it
	}
	close(workQueue)

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range workQueue {
				if ctx.Err() != nil {
					it.Status = ItemCanceled
					it.Err = execerr.FromContext(ctx.Err())
					continue
				}
				if opts.FailFast && failed.Load() {
					it.Status = ItemSkipped
					continue
				}

				it.Outcome, it.Err = c.Submit(ctx, it.Action)
				switch {
				case it.Err == nil:
					it.Status = ItemSucceeded
				case execerr.IsCanceled(it.Err):
					it.Status = ItemCanceled
				default:
					it.Status = ItemFailed
					failed.Store(true)
				}
			}
		}()
	}
	wg.Wait()

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Summary = summarize(result.Items)

	logger.Info().
		Int("succeeded", result.Summary.Succeeded).
		Int("failed", result.Summary.Failed).
		Int("cached", result.Summary.Cached).
		Int("skipped", result.Summary.Skipped).
		Dur("duration", result.Duration).
		Msg("Batch finished")

	return result
}

func summarize(items []*BatchItem) BatchSummary {
	s := BatchSummary{Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case ItemSucceeded:
			s.Succeeded++
		case ItemFailed:
			s.Failed++
		case ItemSkipped:
			s.Skipped++
		case ItemCanceled:
			s.Canceled++
		}
		if it.Outcome != nil && it.Outcome.Cached {
			s.Cached++
		}
	}
	return s
}
