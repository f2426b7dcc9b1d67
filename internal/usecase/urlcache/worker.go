package urlcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Worker revalidates mapping candidates in the background.
type Worker struct {
	svc      *Service
	interval time.Duration
	batch    int
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(svc *Service, interval time.Duration, batch int, logger zerolog.Logger) *Worker {
	return &Worker{
		svc:      svc,
		interval: interval,
		batch:    batch,
		log:      logger,
	}
}

// Start launches the validation loop. Calling Start on a running worker
// reuses the running loop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop cancels the loop and waits for it to exit. A second Stop is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	cands, err := w.svc.Candidates(ctx, w.batch, w.svc.now().Add(-w.interval))
	if err != nil {
		w.log.Error().Err(err).Msg("urlcache: candidate query failed")
		return
	}
	if len(cands) == 0 {
		return
	}
	w.log.Info().Int("count", len(cands)).Msg("urlcache: validating candidates")

	var wg sync.WaitGroup
	for _, c := range cands {
		wg.Add(1)
		go func(hash, url string) {
			defer wg.Done()
			if err := w.svc.Validate(ctx, hash, url); err != nil {
				w.log.Warn().Err(err).Str("hash", hash).Msg("urlcache: validation failed")
			}
		}(c.Hash, c.URL)
	}
	wg.Wait()
}
