// Package worker implements the upgrade worker: a single-threaded loop that drains the
// medium and ultra queues under the GPU lock and yields to interactive requests.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonathan/persona-imagegen/internal/artifacts"
	"github.com/jonathan/persona-imagegen/internal/config"
	"github.com/jonathan/persona-imagegen/internal/filelock"
	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/queue"
	"github.com/jonathan/persona-imagegen/internal/rendering"
	"github.com/jonathan/persona-imagegen/internal/types"
)

const originWorker = "worker"

// Outcome is the result of one Step.
type Outcome int

const (
	// Idle means both queues were empty.
	Idle Outcome = iota
	// Paused means a priority marker exists and no job was started.
	Paused
	// Processed means a job was rendered, or skipped because its artifact exists.
	Processed
	// Dropped means a job failed and was removed from its queue.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Paused:
		return "paused"
	case Processed:
		return "processed"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Worker drains the upgrade queues.
type Worker struct {
	store    *artifacts.Store
	queues   map[types.Tier]*queue.Queue
	markers  *queue.Markers
	lock     *filelock.Lock
	renderer rendering.Renderer
	tiers    map[types.Tier]config.TierSettings

	defaultSeed  int64
	idlePoll     time.Duration
	priorityPoll time.Duration
	logger       *slog.Logger
}

// New builds a Worker over the directories in cfg.
func New(cfg *config.Config, renderer rendering.Renderer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store: artifacts.New(cfg.OutputDir, artifacts.WithLogger(logger)),
		queues: map[types.Tier]*queue.Queue{
			types.TierMedium: queue.Open(cfg.QueueDir(types.TierMedium), types.TierMedium, logger),
			types.TierUltra:  queue.Open(cfg.QueueDir(types.TierUltra), types.TierUltra, logger),
		},
		markers:      queue.OpenMarkers(cfg.PriorityDir(), logger),
		lock:         filelock.New(cfg.LockPath(), filelock.WithPollInterval(cfg.Worker.LockPoll)),
		renderer:     renderer,
		tiers:        cfg.Tiers,
		defaultSeed:  cfg.DefaultSeed,
		idlePoll:     cfg.Worker.IdlePoll,
		priorityPoll: cfg.Worker.PriorityPoll,
		logger:       logger,
	}
}

// Run steps until ctx is cancelled. A job interrupted by cancellation stays queued.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("upgrade worker started", "idle_poll", w.idlePoll, "priority_poll", w.priorityPoll)
	for {
		outcome, err := w.Step(ctx)
		if ctx.Err() != nil {
			w.logger.Info("upgrade worker stopping")
			return nil
		}
		if err != nil {
			w.logger.Error("worker step failed", "error", err)
		}

		var wait time.Duration
		switch {
		case outcome == Paused:
			wait = w.priorityPoll
		case outcome == Idle, err != nil:
			wait = w.idlePoll
		default:
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("upgrade worker stopping")
			return nil
		case <-timer.C:
		}
	}
}

// Step processes at most one job: the oldest medium job, else the oldest ultra job.
func (w *Worker) Step(ctx context.Context) (Outcome, error) {
	if w.markers.Any() {
		return Paused, nil
	}

	for _, tier := range []types.Tier{types.TierMedium, types.TierUltra} {
		q := w.queues[tier]
		entry, err := q.Oldest()
		if err != nil {
			return Idle, err
		}
		if entry == nil {
			continue
		}
		return w.process(ctx, q, entry)
	}
	return Idle, nil
}

func (w *Worker) process(ctx context.Context, q *queue.Queue, entry *queue.Entry) (Outcome, error) {
	tier := q.Tier()
	log := w.logger.With("stem", entry.Stem, "tier", tier)

	if entry.Err != nil {
		log.Error("dropping unreadable job", "error", entry.Err)
		return w.drop(q, entry, "invalid")
	}

	job := entry.Job
	if !job.IsAlias() {
		if err := types.ValidateKey(job.Key); err != nil {
			log.Error("dropping job with invalid key", "error", err)
			return w.drop(q, entry, "invalid")
		}
	}
	seed := job.SeedOr(w.defaultSeed)
	if w.satisfied(job, tier, seed) {
		log.Info("artifact already exists, skipping job")
		_, err := w.remove(q, entry)
		return Processed, err
	}

	h, err := w.acquire(ctx)
	if err != nil {
		return Idle, err
	}
	if h == nil {
		return Paused, nil
	}

	start := time.Now()
	err = w.renderAndPersist(ctx, tier, job, seed)
	if relErr := h.Release(); relErr != nil {
		log.Warn("failed to release gpu lock", "error", relErr)
	}
	observability.RenderDurationSeconds.WithLabelValues(tier.String(), originWorker).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			observability.RendersTotal.WithLabelValues(tier.String(), originWorker, "cancelled").Inc()
			return Idle, ctx.Err()
		}
		observability.RendersTotal.WithLabelValues(tier.String(), originWorker, "failed").Inc()
		log.Error("job failed, dropping", "seed", seed, "error", err)
		return w.drop(q, entry, "render_failed")
	}
	observability.RendersTotal.WithLabelValues(tier.String(), originWorker, "ok").Inc()
	log.Info("upgraded", "key", job.LogicalKey(), "seed", seed, "duration", time.Since(start))

	// chain before removing, so a crash in between only repeats a skip
	replaced := !q.Current(entry)
	if next := tier.Next(); next != "" && !replaced && !job.IsAlias() && !w.store.Exists(job.Key, next) {
		w.enqueue(next, types.Job{Key: job.Key, Prompt: job.Prompt, Seed: types.SeedPtr(seed)})
	}
	removed, err := w.remove(q, entry)
	if err == nil && !removed {
		log.Info("job was replaced during the render, leaving the new one queued", "seed", seed)
	}
	return Processed, err
}

// satisfied reports whether the job's target already holds a render of this prompt
// and seed. A target written from other inputs is stale and gets replaced. Targets
// without readable provenance count as done.
func (w *Worker) satisfied(job types.Job, tier types.Tier, seed int64) bool {
	stem := w.targetStem(job, tier)
	if !w.store.StemExists(stem) {
		return false
	}
	prov, err := w.store.ProvenanceAt(w.store.StemPath(stem))
	if err != nil {
		return true
	}
	if prov.Prompt != job.Prompt {
		return false
	}
	return prov.Seed == nil || *prov.Seed == seed
}

// acquire takes the GPU lock, or returns a nil handle when a priority marker appeared
// while waiting.
func (w *Worker) acquire(ctx context.Context) (*filelock.Handle, error) {
	waitStart := time.Now()
	h, err := w.lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire gpu lock: %w", err)
	}
	observability.LockWaitSeconds.WithLabelValues(originWorker).Observe(time.Since(waitStart).Seconds())

	if w.markers.Any() {
		if err := h.Release(); err != nil {
			w.logger.Warn("failed to release gpu lock", "error", err)
		}
		return nil, nil
	}
	return h, nil
}

func (w *Worker) renderAndPersist(ctx context.Context, tier types.Tier, job types.Job, seed int64) error {
	settings := w.tiers[tier]
	img, err := w.renderer.Render(ctx, rendering.Request{
		Prompt: job.Prompt,
		Seed:   seed,
		Size:   settings.Size,
		Steps:  settings.Steps,
	})
	if err != nil {
		return err
	}

	if job.IsAlias() {
		_, err = w.store.WriteStem(job.OutputStem, img, artifacts.Provenance{
			Key:    job.LogicalKey(),
			Prompt: job.Prompt,
			Tier:   tier.ExperimentLabel(),
			Seed:   &seed,
		})
		return err
	}
	_, err = w.store.Write(job.Key, tier, img, artifacts.Provenance{Prompt: job.Prompt, Seed: &seed})
	return err
}

func (w *Worker) targetStem(job types.Job, tier types.Tier) string {
	if job.IsAlias() {
		return job.OutputStem
	}
	return job.Key + tier.Suffix()
}

func (w *Worker) enqueue(tier types.Tier, job types.Job) {
	written, err := w.queues[tier].Enqueue(job, false)
	if err != nil {
		w.logger.Error("failed to chain upgrade", "key", job.Key, "tier", tier, "error", err)
		return
	}
	if written {
		observability.JobsEnqueuedTotal.WithLabelValues(tier.String()).Inc()
		w.logger.Info("queued upgrade", "key", job.Key, "tier", tier)
	}
}

func (w *Worker) drop(q *queue.Queue, entry *queue.Entry, reason string) (Outcome, error) {
	observability.JobsDroppedTotal.WithLabelValues(q.Tier().String(), reason).Inc()
	_, err := w.remove(q, entry)
	return Dropped, err
}

// remove deletes the job file entry was read from. It reports false when the job has
// been replaced in the meantime and was kept.
func (w *Worker) remove(q *queue.Queue, entry *queue.Entry) (bool, error) {
	removed, err := q.RemoveIf(entry)
	if err != nil {
		return false, fmt.Errorf("job %s stays queued: %w", entry.Stem, err)
	}
	return removed, nil
}
