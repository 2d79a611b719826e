package orchestrator

import (
	"context"
	"fmt"

	"github.com/jonathan/persona-imagegen/internal/artifacts"
	"github.com/jonathan/persona-imagegen/internal/types"
)

// SelectAll invalidates every tier of a key.
const SelectAll = "all"

// Invalidate re-rolls key with a fresh seed. sel is a tier name or SelectAll.
// The fast tier (and SelectAll) render synchronously and return a path; medium and
// ultra are deleted and queued with the new seed. Other tiers are untouched.
func (o *Orchestrator) Invalidate(ctx context.Context, key, sel string) (*types.ImageResult, error) {
	if err := types.ValidateKey(key); err != nil {
		return nil, err
	}

	all := sel == SelectAll
	tier := types.TierFast
	if !all {
		var err error
		if tier, err = types.ParseTier(sel); err != nil {
			return nil, err
		}
	}

	src, err := o.sourceProvenance(key, tier)
	if err != nil {
		return nil, err
	}
	prev := src.Seed
	if current, err := o.store.Provenance(key, tier); err == nil && current.Seed != nil {
		prev = current.Seed
	}
	seed := o.freshSeed(prev)

	o.logger.Info("invalidating", "key", key, "tiers", sel, "seed", seed)

	if all {
		for _, t := range types.AllTiers {
			if err := o.store.Delete(key, t); err != nil {
				return nil, err
			}
			if q := o.queues[t]; q != nil {
				if err := q.Remove(key); err != nil {
					return nil, err
				}
			}
		}
		return o.renderFast(ctx, key, src.Prompt, seed)
	}

	if err := o.store.Delete(key, tier); err != nil {
		return nil, err
	}
	if tier == types.TierFast {
		return o.renderFast(ctx, key, src.Prompt, seed)
	}
	return o.requeueTier(key, tier, src.Prompt, seed), nil
}

// Requeue redoes the render of key at tier with its stored prompt and seed. Fast
// renders synchronously; medium and ultra are deleted and queued.
func (o *Orchestrator) Requeue(ctx context.Context, key string, tier types.Tier) (*types.ImageResult, error) {
	if err := types.ValidateKey(key); err != nil {
		return nil, err
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("invalid tier %q", tier)
	}

	prov, err := o.sourceProvenance(key, tier)
	if err != nil {
		return nil, err
	}
	seed := o.defaultSeed
	if prov.Seed != nil {
		seed = *prov.Seed
	}

	o.logger.Info("requeueing", "key", key, "tier", tier, "seed", seed)

	if err := o.store.Delete(key, tier); err != nil {
		return nil, err
	}
	if tier == types.TierFast {
		return o.renderFast(ctx, key, prov.Prompt, seed)
	}
	return o.requeueTier(key, tier, prov.Prompt, seed), nil
}

// requeueTier replaces any pending job of key at tier and wakes the worker.
func (o *Orchestrator) requeueTier(key string, tier types.Tier, prompt string, seed int64) *types.ImageResult {
	queued := o.enqueue(tier, types.Job{Key: key, Prompt: prompt, Seed: types.SeedPtr(seed)}, true)
	o.kickWorker()
	return &types.ImageResult{Key: key, Tier: tier, Seed: types.SeedPtr(seed), Queued: queued}
}

// Experiment renders prompt for key into a side file that never replaces or chains
// into canonical artifacts. A nil seed picks a random one. Fast renders now; medium
// and ultra replace any earlier experiment file and are queued.
func (o *Orchestrator) Experiment(ctx context.Context, key, prompt string, seed *int64, tier types.Tier) (*types.ImageResult, error) {
	if err := types.ValidateKey(key); err != nil {
		return nil, err
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("invalid tier %q", tier)
	}
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required for an experiment on %s", key)
	}

	effective := o.seeds()
	if seed != nil {
		effective = *seed
	}
	stem := types.ExperimentStem(key, tier)
	if err := types.ValidateStem(stem); err != nil {
		return nil, fmt.Errorf("key %s is too long for an experiment: %w", key, err)
	}
	prov := artifacts.Provenance{Key: key, Prompt: prompt, Tier: tier.ExperimentLabel(), Seed: &effective}

	if tier.Queued() {
		if err := o.store.DeleteStem(stem); err != nil {
			return nil, err
		}
		job := types.Job{Key: stem, Prompt: prompt, Seed: &effective, OutputStem: stem, State: key}
		if !o.enqueue(tier, job, true) {
			return nil, fmt.Errorf("failed to queue experiment %s", stem)
		}
		o.kickWorker()
		return &types.ImageResult{Key: key, Tier: tier, Seed: &effective, Queued: true}, nil
	}

	var path string
	persist := func(img []byte) error {
		var err error
		path, err = o.store.WriteStem(stem, img, prov)
		return err
	}
	if err := o.interactive(ctx, key, tier, prompt, effective, persist, nil); err != nil {
		return nil, err
	}
	return &types.ImageResult{Key: key, Path: path, Tier: tier, Seed: &effective}, nil
}

// Backfill queues a medium upgrade for every fast artifact that has provenance but
// neither a medium artifact nor a pending medium job. It returns how many were queued.
func (o *Orchestrator) Backfill(ctx context.Context) (int, error) {
	keys, err := o.store.Keys()
	if err != nil {
		return 0, err
	}

	medium := o.queues[types.TierMedium]
	queued := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		if o.store.Exists(key, types.TierMedium) || medium.Has(key) {
			continue
		}
		prov, err := o.store.Provenance(key, types.TierFast)
		if err != nil {
			o.logger.Debug("skipping backfill", "key", key, "error", err)
			continue
		}
		job := types.Job{Key: key, Prompt: prov.Prompt, Seed: prov.Seed}
		if o.enqueue(types.TierMedium, job, false) {
			queued++
		}
	}

	if queued > 0 {
		o.logger.Info("backfilled upgrade queue", "queued", queued)
		o.kickWorker()
	}
	return queued, nil
}

// freshSeed draws a seed that differs from prev.
func (o *Orchestrator) freshSeed(prev *int64) int64 {
	for {
		seed := o.seeds()
		if prev == nil || seed != *prev {
			return seed
		}
	}
}
