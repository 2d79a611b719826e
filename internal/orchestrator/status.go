package orchestrator

import (
	"fmt"

	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/types"
)

// Status reports the artifacts, pending jobs and in-flight work of key.
func (o *Orchestrator) Status(key string) (*types.KeyStatus, error) {
	if err := types.ValidateKey(key); err != nil {
		return nil, err
	}

	status := &types.KeyStatus{
		Key:         key,
		Tiers:       o.store.Tiers(key),
		Pending:     []types.Tier{},
		Generating:  o.InProgress(key),
		Prioritized: o.markers.Has(key),
	}
	if status.Tiers == nil {
		status.Tiers = []types.Tier{}
	}
	if _, best, ok := o.store.Best(key); ok {
		status.Best = best
	}
	for _, tier := range types.AllTiers {
		if q := o.queues[tier]; q != nil && q.Has(key) {
			status.Pending = append(status.Pending, tier)
		}
	}
	return status, nil
}

// QueueStatus reports queue depths, priority markers and worker liveness.
func (o *Orchestrator) QueueStatus() (*types.QueueStatus, error) {
	status := &types.QueueStatus{Depth: make(map[types.Tier]int)}
	for _, tier := range types.AllTiers {
		q := o.queues[tier]
		if q == nil {
			continue
		}
		n, err := q.Len()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s queue: %w", tier, err)
		}
		status.Depth[tier] = n
		observability.QueueDepth.WithLabelValues(tier.String()).Set(float64(n))
	}

	markers, err := o.markers.List()
	if err != nil {
		return nil, err
	}
	status.Markers = markers

	if o.worker != nil {
		status.WorkerPID, status.WorkerAlive = o.worker.Status()
	}
	return status, nil
}
