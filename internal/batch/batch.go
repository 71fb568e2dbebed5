// Package batch resolves large lists of product names in fixed-size chunks
// with a pause between chunks, so bulk refreshes stay under provider rate
// limits.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kjannette/cardvault-backend/internal/governor"
	"github.com/kjannette/cardvault-backend/internal/models"
)

const (
	DefaultBatchSize       = 5
	DefaultInterBatchDelay = time.Second
)

type Options struct {
	BatchSize       int
	InterBatchDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.InterBatchDelay < 0 {
		o.InterBatchDelay = 0
	}
	return o
}

// ResolveFunc resolves a single name exactly as the caller supplied it, so
// trimming and blank-name rejection happen there. Errors are recorded
// against the item.
type ResolveFunc func(ctx context.Context, name string) (models.Result, error)

// Progress is reported after each chunk completes.
type Progress struct {
	JobID   string                   `json:"jobId"`
	Chunk   int                      `json:"chunk"`
	Chunks  int                      `json:"chunks"`
	Done    int                      `json:"done"`
	Total   int                      `json:"total"`
	Results map[string]models.Result `json:"results"`
}

type Job struct {
	ID         string                   `json:"jobId"`
	Items      []string                 `json:"items"`
	Options    Options                  `json:"-"`
	Results    map[string]models.Result `json:"results"`
	Chunks     int                      `json:"chunks"`
	Succeeded  int                      `json:"succeeded"`
	NotFound   int                      `json:"notFound"`
	Failed     int                      `json:"failed"`
	StartedAt  time.Time                `json:"startedAt"`
	FinishedAt time.Time                `json:"finishedAt"`
}

type Orchestrator struct {
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	onChunk func(Progress)
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSleeper replaces the inter-chunk wait, for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

func WithProgress(fn func(Progress)) Option {
	return func(o *Orchestrator) { o.onChunk = fn }
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{logger: slog.Default(), sleep: sleepCtx}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "batch")
	return o
}

// Run resolves every distinct input in items. Inputs are processed in order,
// one chunk at a time; items within a chunk run concurrently. Results are
// keyed by the caller's exact input string and only exact repeats are
// collapsed, so every input has an entry, including when its resolution
// fails or ctx is cancelled partway through.
func (o *Orchestrator) Run(ctx context.Context, items []string, opts Options, resolve ResolveFunc) *Job {
	opts = opts.withDefaults()
	names := dedupe(items)
	chunks := Partition(names, opts.BatchSize)

	job := &Job{
		ID:        uuid.NewString(),
		Items:     names,
		Options:   opts,
		Results:   make(map[string]models.Result, len(names)),
		Chunks:    len(chunks),
		StartedAt: time.Now(),
	}
	o.logger.Info("batch started", "job", job.ID, "items", len(names), "chunks", len(chunks), "batchSize", opts.BatchSize)

	var mu sync.Mutex
	done := 0
	for i, chunk := range chunks {
		if i > 0 && opts.InterBatchDelay > 0 {
			if err := o.sleep(ctx, opts.InterBatchDelay); err != nil {
				o.failRemaining(job, chunks[i:], err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			o.failRemaining(job, chunks[i:], err)
			break
		}

		chunkResults := make(map[string]models.Result, len(chunk))
		var wg sync.WaitGroup
		for _, name := range chunk {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				r := resolveItem(ctx, name, resolve)
				mu.Lock()
				chunkResults[name] = r
				mu.Unlock()
			}(name)
		}
		wg.Wait()

		for name, r := range chunkResults {
			job.Results[name] = r
		}
		done += len(chunk)
		o.logger.Debug("chunk complete", "job", job.ID, "chunk", i+1, "of", len(chunks))
		if o.onChunk != nil {
			o.onChunk(Progress{JobID: job.ID, Chunk: i + 1, Chunks: len(chunks), Done: done, Total: len(names), Results: chunkResults})
		}
	}

	for _, r := range job.Results {
		switch {
		case r.Status == models.StatusNotFound || r.Status == models.StatusSkipped:
			job.NotFound++
		case r.HasData():
			job.Succeeded++
		default:
			job.Failed++
		}
	}
	job.FinishedAt = time.Now()
	o.logger.Info("batch finished", "job", job.ID, "succeeded", job.Succeeded, "notFound", job.NotFound, "failed", job.Failed,
		"elapsed", job.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond))
	return job
}

func (o *Orchestrator) failRemaining(job *Job, chunks [][]string, err error) {
	o.logger.Warn("batch interrupted", "job", job.ID, "error", err)
	for _, chunk := range chunks {
		for _, name := range chunk {
			job.Results[name] = models.Result{Query: name, Status: models.StatusError, Error: fmt.Sprintf("not attempted: %v", err)}
		}
	}
}

// resolveItem runs one resolution, turning errors and panics into a result
// so a failing item never affects its siblings.
func resolveItem(ctx context.Context, name string, resolve ResolveFunc) (r models.Result) {
	defer func() {
		if p := recover(); p != nil {
			r = models.Result{Query: name, Status: models.StatusError, Error: fmt.Sprintf("panic: %v", p)}
		}
	}()

	res, err := resolve(ctx, name)
	if err != nil {
		status := models.StatusError
		if errors.Is(err, governor.ErrQuotaExceeded) {
			status = models.StatusQuotaExceeded
		}
		return models.Result{Query: name, Status: status, QuotaExceeded: status == models.StatusQuotaExceeded, Error: err.Error()}
	}
	if res.Query == "" {
		res.Query = name
	}
	return res
}

// Partition splits items into consecutive chunks of at most size.
func Partition(items []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
