// Package orchestrator serves interactive render requests. It owns the preemption
// protocol: publish a priority marker, kill the upgrade worker, take the GPU lock,
// render the fast tier, then hand the key to the worker through the medium queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonathan/persona-imagegen/internal/artifacts"
	"github.com/jonathan/persona-imagegen/internal/config"
	"github.com/jonathan/persona-imagegen/internal/filelock"
	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/queue"
	"github.com/jonathan/persona-imagegen/internal/rendering"
	"github.com/jonathan/persona-imagegen/internal/types"
	"golang.org/x/sync/singleflight"
)

const (
	originInteractive = "interactive"
	// maxSeed is the upper bound of generated seeds.
	maxSeed = 1<<31 - 1
	// workerKickTimeout bounds a worker spawn triggered from a request path.
	workerKickTimeout = 10 * time.Second
)

// WorkerControl is the part of the process supervisor the orchestrator drives.
type WorkerControl interface {
	Preempt() (pid int, killed bool, err error)
	EnsureRunning(ctx context.Context) (pid int, spawned bool, err error)
	Status() (pid int, alive bool)
}

// SeedSource returns a new random seed in [1, 2^31-1].
type SeedSource func() int64

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithSeedSource replaces the random seed generator.
func WithSeedSource(src SeedSource) Option {
	return func(o *Orchestrator) {
		o.seeds = src
	}
}

// Orchestrator holds all state of the interactive side. There is no package state:
// two Orchestrators over different directories are fully independent.
type Orchestrator struct {
	store    *artifacts.Store
	queues   map[types.Tier]*queue.Queue
	markers  *queue.Markers
	lock     *filelock.Lock
	renderer rendering.Renderer
	worker   WorkerControl
	tiers    map[types.Tier]config.TierSettings

	defaultSeed int64
	seeds       SeedSource
	logger      *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	inProgress map[string]struct{}

	// background renders started by Ensure
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	closed   atomic.Bool
}

// New builds an Orchestrator over the directories in cfg. worker may be nil, in
// which case no worker is preempted or spawned.
func New(cfg *config.Config, renderer rendering.Renderer, worker WorkerControl, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		renderer:    renderer,
		worker:      worker,
		tiers:       cfg.Tiers,
		defaultSeed: cfg.DefaultSeed,
		seeds:       randomSeed,
		logger:      slog.Default(),
		inProgress:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.store = artifacts.New(cfg.OutputDir, artifacts.WithLogger(o.logger))
	o.queues = map[types.Tier]*queue.Queue{
		types.TierMedium: queue.Open(cfg.QueueDir(types.TierMedium), types.TierMedium, o.logger),
		types.TierUltra:  queue.Open(cfg.QueueDir(types.TierUltra), types.TierUltra, o.logger),
	}
	o.markers = queue.OpenMarkers(cfg.PriorityDir(), o.logger)
	o.lock = filelock.New(cfg.LockPath(), filelock.WithPollInterval(cfg.Worker.LockPoll))
	o.bgCtx, o.bgCancel = context.WithCancel(context.Background())
	return o
}

func randomSeed() int64 {
	return rand.Int64N(maxSeed) + 1
}

// Store exposes the artifact store for read-only callers such as the HTTP layer.
func (o *Orchestrator) Store() *artifacts.Store {
	return o.store
}

// Queue returns the upgrade queue of tier, or nil for fast.
func (o *Orchestrator) Queue(tier types.Tier) *queue.Queue {
	return o.queues[tier]
}

// Markers exposes the priority markers.
func (o *Orchestrator) Markers() *queue.Markers {
	return o.markers
}

// GetCached returns the best artifact for key without side effects.
func (o *Orchestrator) GetCached(key string) (string, types.Tier, bool) {
	path, tier, ok := o.store.Best(key)
	if ok {
		observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	return path, tier, ok
}

// Generate returns the best existing artifact for key, or renders the fast tier now
// and queues the medium upgrade. Concurrent calls for one key share a single render.
func (o *Orchestrator) Generate(ctx context.Context, key, prompt string, seed *int64) (*types.ImageResult, error) {
	if err := types.ValidateKey(key); err != nil {
		return nil, err
	}
	if path, tier, ok := o.GetCached(key); ok {
		return &types.ImageResult{Key: key, Path: path, Tier: tier}, nil
	}
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required to generate %s", key)
	}

	effective := o.defaultSeed
	if seed != nil {
		effective = *seed
	}
	return o.renderFast(ctx, key, prompt, effective)
}

// Ensure is the non-blocking form of Generate: it returns the cached artifact if any,
// otherwise starts a background Generate and reports Generating.
func (o *Orchestrator) Ensure(key, prompt string, seed *int64) (*types.ImageResult, error) {
	if err := types.ValidateKey(key); err != nil {
		return nil, err
	}
	if path, tier, ok := o.GetCached(key); ok {
		return &types.ImageResult{Key: key, Path: path, Tier: tier}, nil
	}
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required to generate %s", key)
	}
	if o.InProgress(key) {
		return &types.ImageResult{Key: key, Generating: true}, nil
	}

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		if _, err := o.Generate(o.bgCtx, key, prompt, seed); err != nil {
			o.logger.Error("background generate failed", "key", key, "error", err)
		}
	}()
	return &types.ImageResult{Key: key, Generating: true}, nil
}

// Wait blocks until background renders started by Ensure have finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Close cancels background renders that are still waiting for the lock and waits
// for the rest to finish. After Close the orchestrator no longer starts the worker,
// so a caller can stop the worker afterwards without it being respawned.
func (o *Orchestrator) Close() {
	o.closed.Store(true)
	o.bgCancel()
	o.bg.Wait()
}

// InProgress reports whether an interactive render of key is running in this process.
func (o *Orchestrator) InProgress(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inProgress[key]
	return ok
}

func (o *Orchestrator) setInProgress(key string, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if on {
		o.inProgress[key] = struct{}{}
	} else {
		delete(o.inProgress, key)
	}
}

// renderFast renders and persists the canonical fast tier of key, then queues the
// medium tier unless it already exists.
func (o *Orchestrator) renderFast(ctx context.Context, key, prompt string, seed int64) (*types.ImageResult, error) {
	v, err, shared := o.group.Do(key, func() (any, error) {
		var path string
		persist := func(img []byte) error {
			var err error
			path, err = o.store.Write(key, types.TierFast, img, artifacts.Provenance{Prompt: prompt, Seed: &seed})
			return err
		}
		queueMedium := func() {
			if !o.store.Exists(key, types.TierMedium) {
				o.enqueue(types.TierMedium, types.Job{Key: key, Prompt: prompt, Seed: types.SeedPtr(seed)}, false)
			}
		}
		err := o.interactive(ctx, key, types.TierFast, prompt, seed, persist, queueMedium)
		if err != nil {
			return nil, err
		}
		return &types.ImageResult{Key: key, Path: path, Tier: types.TierFast, Seed: types.SeedPtr(seed)}, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		o.logger.Debug("joined in-flight render", "key", key)
	}
	res := *v.(*types.ImageResult)
	return &res, nil
}

// interactive runs one render under the preemption protocol. The marker for key is
// published before the worker is killed and cleared only after persist and then
// (outside the lock) after have run; the last marker out restarts the worker.
func (o *Orchestrator) interactive(ctx context.Context, key string, tier types.Tier, prompt string, seed int64, persist func([]byte) error, after func()) error {
	o.setInProgress(key, true)
	observability.RendersInProgress.Inc()
	defer func() {
		observability.RendersInProgress.Dec()
		o.setInProgress(key, false)
	}()

	defer o.release(key)
	if err := o.markers.Publish(key); err != nil {
		return err
	}
	o.preempt(key)

	waitStart := time.Now()
	h, err := o.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire gpu lock: %w", err)
	}
	observability.LockWaitSeconds.WithLabelValues(originInteractive).Observe(time.Since(waitStart).Seconds())

	// once the lock is held the render finishes even if the caller goes away
	err = o.renderLocked(context.WithoutCancel(ctx), key, tier, prompt, seed, persist)
	if relErr := h.Release(); relErr != nil {
		o.logger.Warn("failed to release gpu lock", "error", relErr)
	}
	if err != nil {
		return err
	}

	if after != nil {
		after()
	}
	return nil
}

func (o *Orchestrator) renderLocked(ctx context.Context, key string, tier types.Tier, prompt string, seed int64, persist func([]byte) error) error {
	settings := o.tiers[tier]
	start := time.Now()
	img, err := o.renderer.Render(ctx, rendering.Request{
		Prompt: prompt,
		Seed:   seed,
		Size:   settings.Size,
		Steps:  settings.Steps,
	})
	if err == nil {
		err = persist(img)
	}
	observability.RenderDurationSeconds.WithLabelValues(tier.String(), originInteractive).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	observability.RendersTotal.WithLabelValues(tier.String(), originInteractive, outcome).Inc()
	if err != nil {
		return fmt.Errorf("failed to render %s [%s]: %w", key, tier, err)
	}

	o.logger.Info("rendered", "key", key, "tier", tier, "seed", seed, "duration", time.Since(start))
	return nil
}

// preempt kills the worker so the GPU lock frees up now rather than after its job.
func (o *Orchestrator) preempt(key string) {
	if o.worker == nil {
		return
	}
	pid, killed, err := o.worker.Preempt()
	if err != nil {
		o.logger.Warn("failed to preempt worker", "key", key, "pid", pid, "error", err)
		return
	}
	observability.PreemptionsTotal.WithLabelValues(strconv.FormatBool(killed)).Inc()
	if killed {
		o.logger.Info("preempted worker", "key", key, "pid", pid)
	}
}

// release clears the marker for key and restarts the worker when no marker remains.
func (o *Orchestrator) release(key string) {
	remaining, err := o.markers.Clear(key)
	if err != nil {
		o.logger.Warn("failed to clear priority marker", "key", key, "error", err)
		return
	}
	if remaining == 0 {
		o.kickWorker()
	}
}

// kickWorker makes sure a worker is running, unless interactive work is pending.
func (o *Orchestrator) kickWorker() {
	if o.worker == nil || o.closed.Load() || o.markers.Any() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), workerKickTimeout)
	defer cancel()
	if pid, spawned, err := o.worker.EnsureRunning(ctx); err != nil {
		o.logger.Error("failed to start upgrade worker", "error", err)
	} else if spawned {
		o.logger.Info("started upgrade worker", "pid", pid)
	}
}

// enqueue writes an upgrade job and reports whether a file was written. Failures are
// logged; the artifact that triggered the enqueue is already durable.
func (o *Orchestrator) enqueue(tier types.Tier, job types.Job, force bool) bool {
	q := o.queues[tier]
	if q == nil {
		return false
	}
	written, err := q.Enqueue(job, force)
	if err != nil {
		o.logger.Error("failed to queue upgrade", "key", job.Key, "tier", tier, "error", err)
		return false
	}
	if written {
		observability.JobsEnqueuedTotal.WithLabelValues(tier.String()).Inc()
		o.logger.Info("queued upgrade", "key", job.Key, "tier", tier, "seed", job.SeedOr(o.defaultSeed))
	}
	return written
}

// sourceProvenance finds the prompt and seed a key was rendered with, preferring
// the artifact at tier and falling back to the other tiers, lowest first.
func (o *Orchestrator) sourceProvenance(key string, tier types.Tier) (artifacts.Provenance, error) {
	candidates := append([]types.Tier{tier}, types.AllTiers...)
	var firstErr error
	for _, t := range candidates {
		prov, err := o.store.Provenance(key, t)
		if err == nil {
			return prov, nil
		}
		if firstErr == nil && !errors.Is(err, artifacts.ErrNotFound) {
			firstErr = err
		}
	}
	return artifacts.Provenance{}, &MissingArtifactError{Key: key, Tier: tier, Cause: firstErr}
}
