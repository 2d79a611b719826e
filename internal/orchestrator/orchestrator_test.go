package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonathan/persona-imagegen/internal/artifacts"
	"github.com/jonathan/persona-imagegen/internal/config"
	"github.com/jonathan/persona-imagegen/internal/filelock"
	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/queue"
	"github.com/jonathan/persona-imagegen/internal/rendering"
	"github.com/jonathan/persona-imagegen/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "ORCHESTRATOR_HELPER_LOCK"

// TestHelperProcess plays a worker stuck inside a long render: it holds the GPU
// lock until it is killed.
func TestHelperProcess(t *testing.T) {
	path := os.Getenv(helperEnv)
	if path == "" {
		t.Skip("helper process only")
	}
	h, err := filelock.New(path).Acquire(context.Background())
	if err != nil {
		os.Exit(2)
	}
	os.Stdout.WriteString("locked\n")
	time.Sleep(time.Minute)
	runtime.KeepAlive(h)
	os.Exit(0)
}

// fakeWorker records the calls the orchestrator makes to the supervisor.
type fakeWorker struct {
	mu        sync.Mutex
	markers   *queue.Markers
	preempts  int
	ensures   int
	markedAt  []bool // whether a marker existed at each Preempt
	onPreempt func()
}

func (w *fakeWorker) Preempt() (int, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.preempts++
	w.markedAt = append(w.markedAt, w.markers.Any())
	if w.onPreempt != nil {
		w.onPreempt()
		return 4242, true, nil
	}
	return 0, false, nil
}

func (w *fakeWorker) EnsureRunning(context.Context) (int, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensures++
	return 4242, true, nil
}

func (w *fakeWorker) Status() (int, bool) {
	return 4242, true
}

func (w *fakeWorker) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.preempts, w.ensures
}

type fixture struct {
	cfg     *config.Config
	orch    *Orchestrator
	worker  *fakeWorker
	renders *atomic.Int32
}

type fixtureOpt func(*fixtureSettings)

type fixtureSettings struct {
	renderer rendering.Renderer
	seeds    SeedSource
}

func withRenderer(r rendering.Renderer) fixtureOpt {
	return func(s *fixtureSettings) { s.renderer = r }
}

func withSeeds(seeds ...int64) fixtureOpt {
	var i atomic.Int32
	return func(s *fixtureSettings) {
		s.seeds = func() int64 {
			n := int(i.Add(1)) - 1
			return seeds[n%len(seeds)]
		}
	}
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "env")
	cfg.OutputDir = filepath.Join(root, "out")
	cfg.Worker.LockPoll = 5 * time.Millisecond

	renders := &atomic.Int32{}
	placeholder := &rendering.Placeholder{MaxSize: 16}
	settings := fixtureSettings{
		renderer: rendering.RendererFunc(func(ctx context.Context, req rendering.Request) ([]byte, error) {
			renders.Add(1)
			return placeholder.Render(ctx, req)
		}),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	worker := &fakeWorker{markers: queue.OpenMarkers(cfg.PriorityDir(), observability.Discard())}
	orchOpts := []Option{WithLogger(observability.Discard())}
	if settings.seeds != nil {
		orchOpts = append(orchOpts, WithSeedSource(settings.seeds))
	}
	orch := New(&cfg, settings.renderer, worker, orchOpts...)
	t.Cleanup(orch.Close)

	return &fixture{cfg: &cfg, orch: orch, worker: worker, renders: renders}
}

func (f *fixture) provenance(t *testing.T, key string, tier types.Tier) artifacts.Provenance {
	t.Helper()
	prov, err := f.orch.Store().Provenance(key, tier)
	require.NoError(t, err)
	return prov
}

func TestGenerate_FreshKey(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Generate(context.Background(), "k1", "p", nil)
	require.NoError(t, err)

	assert.Equal(t, types.TierFast, res.Tier)
	assert.Equal(t, filepath.Join(f.cfg.OutputDir, "k1.png"), res.Path)
	require.NotNil(t, res.Seed)
	assert.Equal(t, int64(42), *res.Seed)

	prov := f.provenance(t, "k1", types.TierFast)
	assert.Equal(t, "fast", prov.Tier)
	assert.Equal(t, "p", prov.Prompt)
	assert.Equal(t, int64(42), *prov.Seed)

	job, err := f.orch.Queue(types.TierMedium).Get("k1")
	require.NoError(t, err)
	assert.Equal(t, "p", job.Prompt)
	assert.Equal(t, int64(42), job.SeedOr(0))

	preempts, ensures := f.worker.counts()
	assert.Equal(t, 1, preempts)
	assert.Equal(t, 1, ensures, "worker restarts once the last marker clears")
	assert.Equal(t, []bool{true}, f.worker.markedAt, "marker must be published before preemption")
	assert.False(t, f.orch.Markers().Any())
	assert.False(t, f.orch.InProgress("k1"))
}

func TestGenerate_ExplicitSeed(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Generate(context.Background(), "k1", "p", types.SeedPtr(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), *res.Seed)
	assert.Equal(t, int64(7), *f.provenance(t, "k1", types.TierFast).Seed)
}

func TestGenerate_CachedSkipsLock(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Generate(context.Background(), "k1", "p", nil)
	require.NoError(t, err)

	// a cached lookup must not wait for the lock
	h, err := filelock.New(f.cfg.LockPath()).TryAcquire()
	require.NoError(t, err)
	defer h.Release() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := f.orch.Generate(ctx, "k1", "something else", nil)
	require.NoError(t, err)
	assert.Equal(t, types.TierFast, res.Tier)
	assert.Equal(t, int32(1), f.renders.Load())

	preempts, _ := f.worker.counts()
	assert.Equal(t, 1, preempts)
}

func TestGenerate_ReturnsBestTier(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Generate(context.Background(), "k1", "p", nil)
	require.NoError(t, err)

	img, err := os.ReadFile(filepath.Join(f.cfg.OutputDir, "k1.png"))
	require.NoError(t, err)
	_, err = f.orch.Store().Write("k1", types.TierMedium, img, artifacts.Provenance{Prompt: "p"})
	require.NoError(t, err)

	res, err := f.orch.Generate(context.Background(), "k1", "p", nil)
	require.NoError(t, err)
	assert.Equal(t, types.TierMedium, res.Tier)
}

func TestInvalidateFast_KeepsExistingMedium(t *testing.T) {
	f := newFixture(t)
	img, err := (&rendering.Placeholder{MaxSize: 8}).Render(context.Background(), rendering.Request{Prompt: "p", Seed: 1, Size: 8, Steps: 1})
	require.NoError(t, err)
	_, err = f.orch.Store().Write("k1", types.TierMedium, img, artifacts.Provenance{Prompt: "p"})
	require.NoError(t, err)

	// invalidating fast re-renders fast but leaves the existing medium alone
	_, err = f.orch.Store().Write("k1", types.TierFast, img, artifacts.Provenance{Prompt: "p", Seed: types.SeedPtr(1)})
	require.NoError(t, err)
	_, err = f.orch.Invalidate(context.Background(), "k1", "fast")
	require.NoError(t, err)

	assert.False(t, f.orch.Queue(types.TierMedium).Has("k1"))
}

func TestGenerate_ConcurrentSameKeyRendersOnce(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	placeholder := &rendering.Placeholder{MaxSize: 8}
	f := newFixture(t, withRenderer(rendering.RendererFunc(func(ctx context.Context, req rendering.Request) ([]byte, error) {
		calls.Add(1)
		<-gate
		return placeholder.Render(ctx, req)
	})))

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*types.ImageResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.Generate(context.Background(), "same", "p", nil)
		}(i)
	}

	require.Eventually(t, func() bool { return f.orch.InProgress("same") }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Path, results[i].Path)
	}
}

func TestGenerate_DifferentKeysSerializeOnLock(t *testing.T) {
	var active, peak atomic.Int32
	placeholder := &rendering.Placeholder{MaxSize: 8}
	f := newFixture(t, withRenderer(rendering.RendererFunc(func(ctx context.Context, req rendering.Request) ([]byte, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return placeholder.Render(ctx, req)
	})))

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := f.orch.Generate(context.Background(), key, "p", nil)
			assert.NoError(t, err)
		}(key)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	for _, key := range []string{"a", "b", "c", "d"} {
		assert.True(t, f.orch.Store().Exists(key, types.TierFast))
	}
}

func TestGenerate_RenderFailure(t *testing.T) {
	f := newFixture(t, withRenderer(rendering.RendererFunc(func(context.Context, rendering.Request) ([]byte, error) {
		return nil, &rendering.RenderError{Message: "model missing"}
	})))

	_, err := f.orch.Generate(context.Background(), "k1", "p", nil)
	require.Error(t, err)
	var renderErr *rendering.RenderError
	assert.ErrorAs(t, err, &renderErr)

	assert.False(t, f.orch.Store().Exists("k1", types.TierFast))
	assert.False(t, f.orch.Queue(types.TierMedium).Has("k1"))
	assert.False(t, f.orch.Markers().Any())
	assert.False(t, f.orch.InProgress("k1"))
}

func TestGenerate_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Generate(context.Background(), "Bad Key", "p", nil)
	assert.Error(t, err)

	_, err = f.orch.Generate(context.Background(), "k1", "", nil)
	assert.Error(t, err)
	assert.Zero(t, f.renders.Load())
}

func TestGenerate_PreemptsLockHolderQuickly(t *testing.T) {
	f := newFixture(t)

	holder := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	holder.Env = append(os.Environ(), helperEnv+"="+f.cfg.LockPath())
	stdout, err := holder.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, holder.Start())
	t.Cleanup(func() {
		_ = holder.Process.Kill()
		_ = holder.Wait()
	})
	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "locked\n", line)

	f.worker.onPreempt = func() { _ = holder.Process.Kill() }

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := f.orch.Generate(ctx, "other", "p", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, types.TierFast, res.Tier)
}

func TestEnsure_StartsBackgroundRender(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Ensure("k1", "p", types.SeedPtr(7))
	require.NoError(t, err)
	assert.True(t, res.Generating)
	assert.Empty(t, res.Path)

	f.orch.Wait()

	res, err = f.orch.Ensure("k1", "p", nil)
	require.NoError(t, err)
	assert.False(t, res.Generating)
	assert.Equal(t, types.TierFast, res.Tier)
	assert.Equal(t, int32(1), f.renders.Load())

	prov, err := f.orch.Store().Provenance("k1", types.TierFast)
	require.NoError(t, err)
	assert.Equal(t, int64(7), *prov.Seed)
}

func TestClose_BackgroundRenderDoesNotStartWorker(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	placeholder := &rendering.Placeholder{MaxSize: 16}
	f := newFixture(t, withRenderer(rendering.RendererFunc(func(ctx context.Context, req rendering.Request) ([]byte, error) {
		close(started)
		<-release
		return placeholder.Render(ctx, req)
	})))

	_, err := f.orch.Ensure("k1", "p", nil)
	require.NoError(t, err)
	<-started
	_, ensuresBefore := f.worker.counts()

	closed := make(chan struct{})
	go func() {
		f.orch.Close()
		close(closed)
	}()
	require.Eventually(t, f.orch.closed.Load, time.Second, time.Millisecond)
	close(release)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not wait for the background render")
	}

	_, ensuresAfter := f.worker.counts()
	assert.Equal(t, ensuresBefore, ensuresAfter, "no worker start once Close has begun")
	assert.True(t, f.orch.Store().Exists("k1", types.TierFast), "the in-flight render still persists")
}

func TestEnsure_RequiresPromptOnMiss(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Ensure("k1", "", nil)
	assert.Error(t, err)
}

func TestGetCached(t *testing.T) {
	f := newFixture(t)

	_, _, ok := f.orch.GetCached("k1")
	assert.False(t, ok)

	_, err := f.orch.Generate(context.Background(), "k1", "p", nil)
	require.NoError(t, err)

	path, tier, ok := f.orch.GetCached("k1")
	assert.True(t, ok)
	assert.Equal(t, types.TierFast, tier)
	assert.FileExists(t, path)
}

func TestMissingArtifactError(t *testing.T) {
	err := &MissingArtifactError{Key: "k1", Cause: artifacts.ErrNoProvenance}
	assert.Contains(t, err.Error(), "k1")
	assert.True(t, errors.Is(err, artifacts.ErrNoProvenance))
}
