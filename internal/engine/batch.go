package engine

import (
	"context"
	"sync"
	"time"

	"github.com/Veraticus/tally/internal/model"
)

// DefaultWorkers is the batch parallelism used when none is configured.
const DefaultWorkers = 4

// BatchOptions configures ClassifyBatch.
type BatchOptions struct {
	// Progress, when set, is called from the calling goroutine after every
	// finished item.
	Progress func(done, total int)
	Workers  int
	// DryRun classifies without persisting or touching merchant memory.
	DryRun bool
}

// BatchResult is the outcome for one request. Index is its input position.
type BatchResult struct {
	Error    error
	Decision model.Decision
	Index    int
}

// BatchSummary contains statistics about a batch run.
type BatchSummary struct {
	BySource         map[model.Source]int
	Results          []BatchResult
	Total            int
	NeedsReviewCount int
	UndecidedCount   int
	FailedCount      int
	ProcessingTime   time.Duration
}

// ClassifyBatch classifies reqs with a pool of workers. Results keep the
// input order. Items not started before ctx is cancelled fail with ctx.Err().
func (e *Engine) ClassifyBatch(ctx context.Context, reqs []model.ClassifyRequest, opts BatchOptions) *BatchSummary {
	start := e.now()
	results := make([]BatchResult, len(reqs))

	e.runPool(ctx, len(reqs), opts.Workers, opts.Progress, func(ctx context.Context, i int) {
		res := BatchResult{Index: i}
		if opts.DryRun {
			res.Decision, res.Error = e.Preview(ctx, reqs[i])
		} else {
			res.Decision, res.Error = e.Classify(ctx, reqs[i])
		}
		results[i] = res
	}, func(i int) {
		results[i] = BatchResult{Index: i, Error: ctx.Err()}
	})

	summary := &BatchSummary{
		Results:  results,
		Total:    len(reqs),
		BySource: make(map[model.Source]int),
	}
	for _, r := range results {
		if r.Error != nil {
			summary.FailedCount++
			e.logger.Warn("failed to classify batch item", "index", r.Index, "error", r.Error)
			continue
		}
		summary.BySource[r.Decision.Source]++
		if r.Decision.NeedsReview {
			summary.NeedsReviewCount++
		}
		if r.Decision.Undecidable() {
			summary.UndecidedCount++
		}
	}
	summary.ProcessingTime = e.now().Sub(start)

	e.logger.Info("batch classification complete",
		"total", summary.Total,
		"needs_review", summary.NeedsReviewCount,
		"failed", summary.FailedCount,
		"duration", summary.ProcessingTime.Round(time.Millisecond))
	return summary
}

// runPool feeds indices 0..n-1 to workers. skip is called for indices
// drained after ctx is done. Progress is reported from the caller's
// goroutine as workers finish.
func (e *Engine) runPool(
	ctx context.Context,
	n, workers int,
	progress func(done, total int),
	work func(ctx context.Context, i int),
	skip func(i int),
) {
	if n == 0 {
		return
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > n {
		workers = n
	}

	workChan := make(chan int, n)
	for i := 0; i < n; i++ {
		workChan <- i
	}
	close(workChan)

	doneChan := make(chan int, n)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workChan {
				if ctx.Err() != nil {
					skip(i)
				} else {
					work(ctx, i)
				}
				doneChan <- i
			}
		}()
	}

	go func() {
		wg.Wait()
		close(doneChan)
	}()

	done := 0
	for range doneChan {
		done++
		if progress != nil {
			progress(done, n)
		}
	}
}
