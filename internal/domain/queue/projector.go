package queue

import "context"

type snapshotSource interface {
	Snapshot(ctx context.Context, key Key) (*Snapshot, error)
}

// Projector serves read views from published snapshots. It never takes a
// queue's write lock once the queue is loaded.
type Projector struct {
	source snapshotSource
}

func NewProjector(source snapshotSource) *Projector {
	return &Projector{source: source}
}

func (p *Projector) ListActive(ctx context.Context, key Key, doctorID string) ([]Entry, error) {
	snap, err := p.source.Snapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	return snap.Active(doctorID), nil
}

// CurrentServing returns nil without error when nobody is in progress.
func (p *Projector) CurrentServing(ctx context.Context, key Key, doctorID string) (*Entry, error) {
	snap, err := p.source.Snapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	return snap.Serving(doctorID), nil
}

func (p *Projector) PositionOf(ctx context.Context, key Key, profileID string) (int, error) {
	snap, err := p.source.Snapshot(ctx, key)
	if err != nil {
		return 0, err
	}
	return snap.PositionOf(profileID)
}

// History returns one page of completed entries and the total count.
func (p *Projector) History(ctx context.Context, key Key, limit, offset int) ([]Entry, int, error) {
	snap, err := p.source.Snapshot(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	all := snap.History()
	total := len(all)
	if offset >= total {
		return []Entry{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}
