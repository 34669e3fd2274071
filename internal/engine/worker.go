package engine

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// enqueue offers a job to the queue without blocking. A full queue drops the
// job with a log line; enrichment is best-effort and the entry itself is
// already committed.
func (e *Engine) enqueue(job *backgroundJob) {
	e.mu.RLock()
	canQueue := e.started && !e.shuttingDown
	e.mu.RUnlock()
	if !canQueue {
		return
	}

	select {
	case e.jobs <- job:
	default:
		log.Printf("engine: background queue full, dropping %s job for entry %s", job.Kind, job.EntryID)
	}
}

// startWorkerPool starts the background worker goroutines. Embedding calls
// share a rate limiter so a burst of ingestion cannot saturate the provider.
func (e *Engine) startWorkerPool(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(e.config.EmbedRatePerSec), 1)

	for i := 0; i < e.config.NumWorkers; i++ {
		e.workerWaitGroup.Add(1)
		go e.backgroundWorker(ctx, i, limiter)
	}

	log.Printf("engine: started %d background workers", e.config.NumWorkers)
}

// stopWorkerPool closes the queue and waits for workers to drain, bounded by
// the configured shutdown timeout.
func (e *Engine) stopWorkerPool(ctx context.Context) error {
	close(e.jobs)

	done := make(chan struct{})
	go func() {
		e.workerWaitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(e.config.ShutdownTimeout):
		log.Printf("engine: shutdown timeout reached, %d background jobs may be dropped", len(e.jobs))
		return nil
	case <-ctx.Done():
		log.Printf("engine: context cancelled, %d background jobs may be dropped", len(e.jobs))
		return ctx.Err()
	}
}

// backgroundWorker drains the job queue until it is closed. Each job is
// error-boundaried: failures are logged and never propagated.
func (e *Engine) backgroundWorker(ctx context.Context, workerID int, limiter *rate.Limiter) {
	defer e.workerWaitGroup.Done()

	for job := range e.jobs {
		e.processJob(ctx, workerID, job, limiter)
	}
}

func (e *Engine) processJob(ctx context.Context, workerID int, job *backgroundJob, limiter *rate.Limiter) {
	// Database writes use a background context so an engine shutdown does not
	// abort work already in flight.
	dbCtx := context.Background()

	switch job.Kind {
	case jobEmbed:
		if e.embedder == nil {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		vector, err := e.embedder.Embed(ctx, job.Content)
		if err != nil {
			log.Printf("engine: worker %d embedding failed for entry %s: %v", workerID, job.EntryID, err)
			return
		}
		if err := e.store.StoreEmbedding(dbCtx, job.EntryID, vector); err != nil {
			log.Printf("engine: worker %d failed to store embedding for entry %s: %v", workerID, job.EntryID, err)
			return
		}
		e.invalidateProfile(job.ProfileID)

	case jobTag:
		keywords := SuggestKeywords(job.Content, maxSuggestedKeywords)
		if len(keywords) == 0 {
			return
		}
		if err := e.store.MergeKeywords(dbCtx, job.EntryID, keywords); err != nil {
			log.Printf("engine: worker %d failed to merge keywords for entry %s: %v", workerID, job.EntryID, err)
			return
		}
		e.invalidateProfile(job.ProfileID)

	default:
		log.Printf("engine: worker %d ignoring unknown job kind %q", workerID, job.Kind)
	}
}

// invalidateProfile evicts the profile's cached reads. Enrichment writes
// change retrieval results, so they invalidate just like foreground writes.
func (e *Engine) invalidateProfile(profileID string) {
	if e.caches != nil {
		e.caches.InvalidateProfile(profileID)
	}
}
