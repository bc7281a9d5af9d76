package alerts

import (
	"context"

	"sentinelvnc/internal/anchor"
	"sentinelvnc/internal/metrics"
)

// MeteredAnchorSink persists anchors through Next and keeps the anchor
// metrics current. Pending probes the batcher queue depth; assign it
// after the anchor service exists, before Start.
type MeteredAnchorSink struct {
	Next    anchor.Sink
	Metrics *metrics.Sink
	Pending func() int
}

func (m *MeteredAnchorSink) SaveAnchor(ctx context.Context, a *anchor.Anchor) error {
	if err := m.Next.SaveAnchor(ctx, a); err != nil {
		return err
	}
	m.Metrics.AnchorBatches.Inc()
	if m.Pending != nil {
		m.Metrics.AnchorPending.Set(float64(m.Pending()))
	}
	return nil
}

func (m *MeteredAnchorSink) SetAnchorRoot(ctx context.Context, alertIDs []string, root string) error {
	return m.Next.SetAnchorRoot(ctx, alertIDs, root)
}
