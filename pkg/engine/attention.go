package engine

import (
	"context"
	"sort"

	"github.com/openfoundry/foundry/pkg/telemetry"
)

// AttentionAggregator recomputes the project-level needs-attention view by
// scanning every configuration in a project. The view is derived data:
// nothing is cached and nothing gates transitions.
type AttentionAggregator struct {
	source  AttentionSource
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	now     Clock
}

// NewAttentionAggregator creates an aggregator over the given source.
func NewAttentionAggregator(source AttentionSource, logger *telemetry.Logger, metrics *telemetry.Metrics) *AttentionAggregator {
	return &AttentionAggregator{
		source:  source,
		logger:  logger.NewComponentLogger("attention"),
		metrics: metrics,
		now:     defaultClock,
	}
}

// WithClock overrides the clock, for tests.
func (a *AttentionAggregator) WithClock(now Clock) *AttentionAggregator {
	a.now = now
	return a
}

// Compute builds the cumulative needs-attention view for a project. A
// configuration that disappears mid-scan is skipped silently; any other
// read failure marks the view degraded but does not abort the scan. The
// returned entries slice is never nil and is ordered by configuration id,
// then timestamp, then event id.
func (a *AttentionAggregator) Compute(ctx context.Context, projectID string) (*AttentionView, error) {
	view := &AttentionView{
		Entries:    []CumulativeNeedsAttention{},
		ComputedAt: a.now(),
	}

	ids, err := a.source.ListConfigIDs(ctx, projectID)
	if err != nil {
		return nil, NewInternalError("failed to list configurations", err).WithResource(projectID)
	}

	for _, id := range ids {
		cfg, err := a.source.GetConfigByID(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			a.logger.WithProjectID(projectID).WithConfigID(id).WithError(err).
				Warn("attention scan degraded")
			view.Degraded = true
			continue
		}

		if cfg.UpdateAvailable {
			view.Entries = append(view.Entries, CumulativeNeedsAttention{
				Event:         "update_available",
				EventID:       cfg.ID,
				ConfigID:      cfg.ID,
				ConfigVersion: cfg.Version,
				Timestamp:     cfg.UpdatedAt,
			})
		}
		for _, na := range cfg.NeedsAttention {
			view.Entries = append(view.Entries, CumulativeNeedsAttention{
				Event:         na.Event,
				EventID:       na.EventID,
				ConfigID:      cfg.ID,
				ConfigVersion: cfg.Version,
				Timestamp:     na.Timestamp,
			})
		}
	}

	sort.Slice(view.Entries, func(i, j int) bool {
		a, b := view.Entries[i], view.Entries[j]
		if a.ConfigID != b.ConfigID {
			return a.ConfigID < b.ConfigID
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.EventID < b.EventID
	})

	a.metrics.RecordAttentionScan(len(view.Entries), view.Degraded)
	return view, nil
}
