package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonathan/persona-imagegen/internal/artifacts"
	"github.com/jonathan/persona-imagegen/internal/config"
	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/orchestrator"
	"github.com/jonathan/persona-imagegen/internal/queue"
	"github.com/jonathan/persona-imagegen/internal/rendering"
	"github.com/jonathan/persona-imagegen/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cfg     *config.Config
	worker  *Worker
	renders *atomic.Int32
	medium  *queue.Queue
	ultra   *queue.Queue
}

func newFixture(t *testing.T, render rendering.RendererFunc) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "env")
	cfg.OutputDir = filepath.Join(root, "out")
	cfg.Worker.LockPoll = 5 * time.Millisecond
	cfg.Worker.IdlePoll = 10 * time.Millisecond
	cfg.Worker.PriorityPoll = 10 * time.Millisecond

	renders := &atomic.Int32{}
	placeholder := &rendering.Placeholder{MaxSize: 16}
	if render == nil {
		render = placeholder.Render
	}
	counted := rendering.RendererFunc(func(ctx context.Context, req rendering.Request) ([]byte, error) {
		renders.Add(1)
		return render(ctx, req)
	})

	logger := observability.Discard()
	return &fixture{
		cfg:     &cfg,
		worker:  New(&cfg, counted, logger),
		renders: renders,
		medium:  queue.Open(cfg.QueueDir(types.TierMedium), types.TierMedium, logger),
		ultra:   queue.Open(cfg.QueueDir(types.TierUltra), types.TierUltra, logger),
	}
}

func (f *fixture) enqueue(t *testing.T, q *queue.Queue, job types.Job) {
	t.Helper()
	written, err := q.Enqueue(job, false)
	require.NoError(t, err)
	require.True(t, written)
}

func (f *fixture) step(t *testing.T, want Outcome) {
	t.Helper()
	got, err := f.worker.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEndToEnd_TiersInOrder(t *testing.T) {
	f := newFixture(t, nil)
	orch := orchestrator.New(f.cfg, &rendering.Placeholder{MaxSize: 16}, nil, orchestrator.WithLogger(observability.Discard()))
	t.Cleanup(orch.Close)

	res, err := orch.Generate(context.Background(), "k1", "p", nil)
	require.NoError(t, err)
	assert.Equal(t, types.TierFast, res.Tier)
	assert.True(t, f.medium.Has("k1"))

	store := orch.Store()
	assert.Equal(t, []types.Tier{types.TierFast}, store.Tiers("k1"))

	f.step(t, Processed)
	assert.Equal(t, []types.Tier{types.TierFast, types.TierMedium}, store.Tiers("k1"))
	assert.False(t, f.medium.Has("k1"))
	assert.True(t, f.ultra.Has("k1"), "medium chains into ultra")

	prov, err := store.Provenance("k1", types.TierMedium)
	require.NoError(t, err)
	assert.Equal(t, "p", prov.Prompt)
	assert.Equal(t, "medium", prov.Tier)
	assert.Equal(t, int64(42), *prov.Seed)

	ultraJob, err := f.ultra.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), ultraJob.SeedOr(0))

	f.step(t, Processed)
	assert.Equal(t, types.AllTiers, store.Tiers("k1"))
	assert.False(t, f.ultra.Has("k1"))

	path, tier, ok := orch.GetCached("k1")
	assert.True(t, ok)
	assert.Equal(t, types.TierUltra, tier)
	assert.Equal(t, store.Path("k1", types.TierUltra), path)

	f.step(t, Idle)
}

func TestStep_PausedByMarker(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, f.medium, types.Job{Key: "k1", Prompt: "p"})

	markers := queue.OpenMarkers(f.cfg.PriorityDir(), observability.Discard())
	require.NoError(t, markers.Publish("other"))

	f.step(t, Paused)
	assert.True(t, f.medium.Has("k1"))
	assert.Zero(t, f.renders.Load())

	_, err := markers.Clear("other")
	require.NoError(t, err)
	f.step(t, Processed)
}

func TestStep_MediumBeforeUltra(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, f.ultra, types.Job{Key: "old", Prompt: "p"})
	time.Sleep(10 * time.Millisecond)
	f.enqueue(t, f.medium, types.Job{Key: "new", Prompt: "p"})

	f.step(t, Processed)
	assert.False(t, f.medium.Has("new"))
	assert.True(t, f.ultra.Has("old"))
}

func TestStep_PoisonJobDropped(t *testing.T) {
	placeholder := &rendering.Placeholder{MaxSize: 16}
	f := newFixture(t, func(ctx context.Context, req rendering.Request) ([]byte, error) {
		if req.Prompt == "poison" {
			return nil, &rendering.RenderError{Message: "model refused"}
		}
		return placeholder.Render(ctx, req)
	})
	f.enqueue(t, f.medium, types.Job{Key: "bad", Prompt: "poison"})
	time.Sleep(10 * time.Millisecond)
	f.enqueue(t, f.medium, types.Job{Key: "good", Prompt: "fine"})

	f.step(t, Dropped)
	assert.False(t, f.medium.Has("bad"))
	assert.False(t, f.ultra.Has("bad"))

	f.step(t, Processed)
	assert.FileExists(t, filepath.Join(f.cfg.OutputDir, "good_hq.png"))
	assert.Equal(t, int32(2), f.renders.Load(), "the poison job is tried once")
}

func TestStep_UnreadableJobDropped(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.MkdirAll(f.medium.Dir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.medium.Dir(), "broken.json"), []byte(`{"seed": "x"`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.medium.Dir(), "Bad Key.json"), []byte(`{"scene_prompt": "p"}`), 0o644))

	f.step(t, Dropped)
	f.step(t, Dropped)
	f.step(t, Idle)
	assert.Zero(t, f.renders.Load())
}

func TestStep_SkipsExistingArtifact(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.MkdirAll(f.cfg.OutputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.OutputDir, "k1_hq.png"), []byte("done"), 0o644))
	f.enqueue(t, f.medium, types.Job{Key: "k1", Prompt: "p"})

	f.step(t, Processed)
	assert.False(t, f.medium.Has("k1"))
	assert.False(t, f.ultra.Has("k1"), "a skipped job does not chain")
	assert.Zero(t, f.renders.Load())
}

func TestStep_DoesNotChainWhenUltraExists(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.MkdirAll(f.cfg.OutputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.OutputDir, "k1_uhq.png"), []byte("done"), 0o644))
	f.enqueue(t, f.medium, types.Job{Key: "k1", Prompt: "p"})

	f.step(t, Processed)
	assert.FileExists(t, filepath.Join(f.cfg.OutputDir, "k1_hq.png"))
	assert.False(t, f.ultra.Has("k1"))
}

func TestStep_ExperimentJob(t *testing.T) {
	f := newFixture(t, nil)
	stem := types.ExperimentStem("k1", types.TierMedium)
	f.enqueue(t, f.medium, types.Job{Key: stem, Prompt: "p", Seed: types.SeedPtr(9), OutputStem: stem, State: "k1"})

	f.step(t, Processed)

	store := artifacts.New(f.cfg.OutputDir)
	prov, err := store.ProvenanceAt(filepath.Join(f.cfg.OutputDir, "k1_medium_exp.png"))
	require.NoError(t, err)
	assert.Equal(t, "experiment_medium", prov.Tier)
	assert.Equal(t, "k1", prov.Key)
	assert.Equal(t, int64(9), *prov.Seed)

	assert.False(t, store.Exists("k1", types.TierMedium))
	assert.False(t, f.ultra.Has("k1"))
	assert.False(t, f.ultra.Has(stem))
}

func TestStep_InvalidateDuringRenderKeepsNewJob(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var blocked atomic.Bool
	placeholder := &rendering.Placeholder{MaxSize: 16}
	f := newFixture(t, func(ctx context.Context, req rendering.Request) ([]byte, error) {
		if blocked.CompareAndSwap(false, true) {
			close(started)
			<-release
		}
		return placeholder.Render(ctx, req)
	})
	orch := orchestrator.New(f.cfg, placeholder, nil, orchestrator.WithLogger(observability.Discard()))
	t.Cleanup(orch.Close)

	_, err := orch.Generate(ctx, "k1", "p", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.worker.Step(ctx)
		done <- err
	}()
	<-started

	res, err := orch.Invalidate(ctx, "k1", "medium")
	require.NoError(t, err)
	require.True(t, res.Queued)
	close(release)
	require.NoError(t, <-done)

	job, err := f.medium.Get("k1")
	require.NoError(t, err, "the re-rolled job stays queued")
	assert.Equal(t, *res.Seed, job.SeedOr(0))
	assert.False(t, f.ultra.Has("k1"), "the superseded render does not chain")

	f.step(t, Processed)
	prov, err := orch.Store().Provenance("k1", types.TierMedium)
	require.NoError(t, err)
	assert.Equal(t, *res.Seed, *prov.Seed)
	assert.False(t, f.medium.Has("k1"))

	ultraJob, err := f.ultra.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, *res.Seed, ultraJob.SeedOr(0))
	assert.Equal(t, int32(2), f.renders.Load())
}

func TestStep_RerendersStaleArtifact(t *testing.T) {
	f := newFixture(t, nil)
	store := artifacts.New(f.cfg.OutputDir)
	img, err := (&rendering.Placeholder{MaxSize: 16}).Render(context.Background(), rendering.Request{Prompt: "p", Seed: 1, Size: 16, Steps: 1})
	require.NoError(t, err)
	_, err = store.Write("k1", types.TierMedium, img, artifacts.Provenance{Prompt: "p", Seed: types.SeedPtr(1)})
	require.NoError(t, err)
	f.enqueue(t, f.medium, types.Job{Key: "k1", Prompt: "p", Seed: types.SeedPtr(7)})

	f.step(t, Processed)
	assert.Equal(t, int32(1), f.renders.Load())
	prov, err := store.Provenance("k1", types.TierMedium)
	require.NoError(t, err)
	assert.Equal(t, int64(7), *prov.Seed)
}

func TestStep_CancelledRenderKeepsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, func(ctx context.Context, req rendering.Request) ([]byte, error) {
		cancel()
		<-ctx.Done()
		return nil, &rendering.RenderError{Message: "render cancelled", Cause: ctx.Err()}
	})
	f.enqueue(t, f.medium, types.Job{Key: "k1", Prompt: "p"})

	_, err := f.worker.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, f.medium.Has("k1"))
}

func TestRun_DrainsQueuesAndStops(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, f.medium, types.Job{Key: "a", Prompt: "p"})
	f.enqueue(t, f.medium, types.Job{Key: "b", Prompt: "p"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := f.ultra.Len()
		m, err2 := f.medium.Len()
		return err == nil && err2 == nil && n == 0 && m == 0 &&
			fileExists(filepath.Join(f.cfg.OutputDir, "a_uhq.png")) &&
			fileExists(filepath.Join(f.cfg.OutputDir, "b_uhq.png"))
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "paused", Paused.String())
	assert.Equal(t, "processed", Processed.String())
	assert.Equal(t, "dropped", Dropped.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
