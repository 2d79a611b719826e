package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonathan/persona-imagegen/internal/artifacts"
	"github.com/jonathan/persona-imagegen/internal/rendering"
	"github.com/jonathan/persona-imagegen/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// renderBare returns a PNG with no provenance chunks.
func renderBare(t *testing.T) []byte {
	t.Helper()
	img, err := (&rendering.Placeholder{MaxSize: 8}).Render(context.Background(),
		rendering.Request{Prompt: "bare", Seed: 1, Size: 8, Steps: 1})
	require.NoError(t, err)
	return img
}

func generate(t *testing.T, f *fixture, key string) {
	t.Helper()
	_, err := f.orch.Generate(context.Background(), key, "a quiet morning", nil)
	require.NoError(t, err)
}

func TestInvalidateFast_NewSeedEachTime(t *testing.T) {
	f := newFixture(t, withSeeds(1001, 1002))
	generate(t, f, "k1")
	first, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "k1.png"))
	require.NoError(t, err)

	res1, err := f.orch.Invalidate(context.Background(), "k1", "fast")
	require.NoError(t, err)
	after1, err := os.ReadFile(res1.Path)
	require.NoError(t, err)

	res2, err := f.orch.Invalidate(context.Background(), "k1", "fast")
	require.NoError(t, err)
	after2, err := os.ReadFile(res2.Path)
	require.NoError(t, err)

	assert.Equal(t, int64(1001), *res1.Seed)
	assert.Equal(t, int64(1002), *res2.Seed)
	assert.NotEqual(t, *res1.Seed, *res2.Seed)
	assert.False(t, bytes.Equal(first, after1))
	assert.False(t, bytes.Equal(after1, after2))

	assert.Equal(t, int64(1002), *f.provenance(t, "k1", types.TierFast).Seed)
	assert.Equal(t, "a quiet morning", f.provenance(t, "k1", types.TierFast).Prompt)
}

func TestInvalidate_SeedDiffersFromPrevious(t *testing.T) {
	// the source offers the current seed first; it must be skipped
	f := newFixture(t, withSeeds(42, 42, 77))
	generate(t, f, "k1")

	res, err := f.orch.Invalidate(context.Background(), "k1", "fast")
	require.NoError(t, err)
	assert.Equal(t, int64(77), *res.Seed)
}

func TestInvalidateMedium_QueuesWithNewSeed(t *testing.T) {
	f := newFixture(t, withSeeds(555))
	generate(t, f, "k1")
	fastBefore, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "k1.png"))
	require.NoError(t, err)

	// pretend the worker already produced medium
	_, err = f.orch.Store().Write("k1", types.TierMedium, fastBefore, artifacts.Provenance{Prompt: "a quiet morning", Seed: types.SeedPtr(42)})
	require.NoError(t, err)

	res, err := f.orch.Invalidate(context.Background(), "k1", "mq")
	require.NoError(t, err)
	assert.Empty(t, res.Path)
	assert.True(t, res.Queued)
	assert.Equal(t, types.TierMedium, res.Tier)
	assert.Equal(t, int64(555), *res.Seed)

	assert.False(t, f.orch.Store().Exists("k1", types.TierMedium))
	job, err := f.orch.Queue(types.TierMedium).Get("k1")
	require.NoError(t, err)
	assert.Equal(t, int64(555), job.SeedOr(0), "pending job with the old seed is replaced")

	fastAfter, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "k1.png"))
	require.NoError(t, err)
	assert.Equal(t, fastBefore, fastAfter, "other tiers are untouched")
}

func TestInvalidateAll(t *testing.T) {
	f := newFixture(t, withSeeds(900))
	generate(t, f, "k1")
	img, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "k1.png"))
	require.NoError(t, err)
	for _, tier := range []types.Tier{types.TierMedium, types.TierUltra} {
		_, err = f.orch.Store().Write("k1", tier, img, artifacts.Provenance{Prompt: "a quiet morning", Seed: types.SeedPtr(42)})
		require.NoError(t, err)
	}
	_, err = f.orch.Queue(types.TierUltra).Enqueue(types.Job{Key: "k1", Prompt: "a quiet morning"}, false)
	require.NoError(t, err)

	res, err := f.orch.Invalidate(context.Background(), "k1", SelectAll)
	require.NoError(t, err)
	assert.Equal(t, types.TierFast, res.Tier)
	assert.Equal(t, int64(900), *res.Seed)

	assert.Equal(t, []types.Tier{types.TierFast}, f.orch.Store().Tiers("k1"))
	assert.False(t, f.orch.Queue(types.TierUltra).Has("k1"))

	job, err := f.orch.Queue(types.TierMedium).Get("k1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), job.SeedOr(0))
}

func TestInvalidate_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Invalidate(context.Background(), "ghost", "fast")
	var missing *MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ghost", missing.Key)

	generate(t, f, "k1")
	_, err = f.orch.Invalidate(context.Background(), "k1", "huge")
	assert.Error(t, err)
}

func TestRequeue_NoProvenance(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.cfg.OutputDir, 0o755))
	// a PNG without text chunks, like one produced before provenance was recorded
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.OutputDir, "legacy.png"), renderBare(t), 0o644))

	_, err := f.orch.Requeue(context.Background(), "legacy", types.TierMedium)
	var missing *MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.ErrorIs(t, err, artifacts.ErrNoProvenance)
	assert.True(t, f.orch.Store().Exists("legacy", types.TierFast), "failed requeue has no side effects")
}

func TestRequeueMedium_KeepsSeed(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Generate(context.Background(), "k1", "p", types.SeedPtr(31337))
	require.NoError(t, err)
	require.NoError(t, f.orch.Queue(types.TierMedium).Remove("k1"))

	res, err := f.orch.Requeue(context.Background(), "k1", types.TierMedium)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, int64(31337), *res.Seed)

	job, err := f.orch.Queue(types.TierMedium).Get("k1")
	require.NoError(t, err)
	assert.Equal(t, "p", job.Prompt)
	assert.Equal(t, int64(31337), job.SeedOr(0))

	_, ensures := f.worker.counts()
	assert.Equal(t, 2, ensures, "requeue wakes the worker")
}

func TestRequeueUltra_PrefersOwnProvenance(t *testing.T) {
	f := newFixture(t)
	generate(t, f, "k1")
	img, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "k1.png"))
	require.NoError(t, err)
	_, err = f.orch.Store().Write("k1", types.TierUltra, img, artifacts.Provenance{Prompt: "ultra prompt", Seed: types.SeedPtr(8)})
	require.NoError(t, err)

	res, err := f.orch.Requeue(context.Background(), "k1", types.TierUltra)
	require.NoError(t, err)
	assert.Equal(t, int64(8), *res.Seed)
	assert.False(t, f.orch.Store().Exists("k1", types.TierUltra))

	job, err := f.orch.Queue(types.TierUltra).Get("k1")
	require.NoError(t, err)
	assert.Equal(t, "ultra prompt", job.Prompt)
}

func TestRequeueFast_RerendersSameImage(t *testing.T) {
	f := newFixture(t)
	generate(t, f, "k1")
	before, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "k1.png"))
	require.NoError(t, err)

	res, err := f.orch.Requeue(context.Background(), "k1", types.TierFast)
	require.NoError(t, err)
	assert.Equal(t, int64(42), *res.Seed)

	after, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int32(2), f.renders.Load())
}

func TestRequeue_Missing(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Requeue(context.Background(), "ghost", types.TierMedium)
	var missing *MissingArtifactError
	assert.ErrorAs(t, err, &missing)
	assert.False(t, f.orch.Queue(types.TierMedium).Has("ghost"))
}

func TestExperimentFast(t *testing.T) {
	f := newFixture(t)
	generate(t, f, "k1")
	canonical, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "k1.png"))
	require.NoError(t, err)
	require.NoError(t, f.orch.Queue(types.TierMedium).Remove("k1"))

	res, err := f.orch.Experiment(context.Background(), "k1", "stormy night", types.SeedPtr(5), types.TierFast)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.cfg.OutputDir, "k1_fast_exp.png"), res.Path)

	prov, err := f.orch.Store().ProvenanceAt(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "experiment_fast", prov.Tier)
	assert.Equal(t, "stormy night", prov.Prompt)
	assert.Equal(t, int64(5), *prov.Seed)

	after, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "k1.png"))
	require.NoError(t, err)
	assert.Equal(t, canonical, after)
	assert.False(t, f.orch.Queue(types.TierMedium).Has("k1"), "experiments never chain")
	assert.False(t, f.orch.Markers().Any())
}

func TestExperimentUltra_QueuesAliasJob(t *testing.T) {
	f := newFixture(t, withSeeds(64))
	stale := filepath.Join(f.cfg.OutputDir, "k1_ultra_exp.png")
	require.NoError(t, os.MkdirAll(f.cfg.OutputDir, 0o755))
	require.NoError(t, os.WriteFile(stale, renderBare(t), 0o644))

	res, err := f.orch.Experiment(context.Background(), "k1", "stormy night", nil, types.TierUltra)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, int64(64), *res.Seed)
	assert.NoFileExists(t, stale)

	job, err := f.orch.Queue(types.TierUltra).Get("k1_ultra_exp")
	require.NoError(t, err)
	assert.Equal(t, "k1_ultra_exp", job.OutputStem)
	assert.Equal(t, "k1", job.State)
	assert.Equal(t, int64(64), job.SeedOr(0))
	assert.Zero(t, f.renders.Load())
}

func TestExperiment_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Experiment(context.Background(), "k1", "", nil, types.TierFast)
	assert.Error(t, err)

	_, err = f.orch.Experiment(context.Background(), "k1", "p", nil, types.Tier("huge"))
	assert.Error(t, err)
}

func TestExperiment_KeyTooLongForStem(t *testing.T) {
	f := newFixture(t)
	key := strings.Repeat("k", 120)

	for _, tier := range types.AllTiers {
		res, err := f.orch.Experiment(context.Background(), key, "p", nil, tier)
		assert.Error(t, err, tier)
		assert.Nil(t, res)
		assert.False(t, f.orch.Queue(types.TierMedium).Has(types.ExperimentStem(key, types.TierMedium)))
	}
	assert.Zero(t, f.renders.Load())
	assert.False(t, f.orch.Markers().Any())
}

func TestBackfill(t *testing.T) {
	f := newFixture(t)
	store := f.orch.Store()
	img := renderBare(t)

	// needs an upgrade
	_, err := store.Write("plain", types.TierFast, img, artifacts.Provenance{Prompt: "p1", Seed: types.SeedPtr(3)})
	require.NoError(t, err)
	// already upgraded
	_, err = store.Write("done", types.TierFast, img, artifacts.Provenance{Prompt: "p2"})
	require.NoError(t, err)
	_, err = store.Write("done", types.TierMedium, img, artifacts.Provenance{Prompt: "p2"})
	require.NoError(t, err)
	// already pending
	_, err = store.Write("pending", types.TierFast, img, artifacts.Provenance{Prompt: "p3"})
	require.NoError(t, err)
	_, err = f.orch.Queue(types.TierMedium).Enqueue(types.Job{Key: "pending", Prompt: "p3"}, false)
	require.NoError(t, err)
	// no provenance
	require.NoError(t, os.WriteFile(store.Path("legacy", types.TierFast), img, 0o644))
	// experiment files are not keys
	_, err = store.WriteStem("plain_fast_exp", img, artifacts.Provenance{Prompt: "x"})
	require.NoError(t, err)

	queued, err := f.orch.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	job, err := f.orch.Queue(types.TierMedium).Get("plain")
	require.NoError(t, err)
	assert.Equal(t, "p1", job.Prompt)
	assert.Equal(t, int64(3), job.SeedOr(0))

	again, err := f.orch.Backfill(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	generate(t, f, "k1")
	require.NoError(t, f.orch.Markers().Publish("k1"))

	status, err := f.orch.Status("k1")
	require.NoError(t, err)
	assert.Equal(t, []types.Tier{types.TierFast}, status.Tiers)
	assert.Equal(t, types.TierFast, status.Best)
	assert.Equal(t, []types.Tier{types.TierMedium}, status.Pending)
	assert.False(t, status.Generating)
	assert.True(t, status.Prioritized)

	empty, err := f.orch.Status("nothing")
	require.NoError(t, err)
	assert.Empty(t, empty.Tiers)
	assert.Empty(t, empty.Best)
}

func TestQueueStatus(t *testing.T) {
	f := newFixture(t)
	generate(t, f, "a")
	generate(t, f, "b")
	require.NoError(t, f.orch.Markers().Publish("c"))

	status, err := f.orch.QueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, status.Depth[types.TierMedium])
	assert.Equal(t, 0, status.Depth[types.TierUltra])
	assert.Equal(t, []string{"c"}, status.Markers)
	assert.Equal(t, 4242, status.WorkerPID)
	assert.True(t, status.WorkerAlive)
}
