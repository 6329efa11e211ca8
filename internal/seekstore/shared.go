package seekstore

import (
	"context"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/lobby-sync/internal/seek"
)

type Source interface {
	FetchSeeks(ctx context.Context) (seek.Snapshot, error)
}

// Shared coalesces concurrent fetches from many lobbies into one query.
// The query runs detached from any single caller's cancellation; each caller
// stops waiting when its own ctx is done.
type Shared struct {
	src     Source
	group   singleflight.Group
	waiting atomic.Int32 // callers currently attached to a flight
}

func NewShared(src Source) *Shared {
	return &Shared{src: src}
}

func (s *Shared) FetchSeeks(ctx context.Context) (seek.Snapshot, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan("seeks", func() (interface{}, error) {
		return s.src.FetchSeeks(flightCtx)
	})
	s.waiting.Add(1)
	defer s.waiting.Add(-1)

	select {
	case <-ctx.Done():
		return seek.Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return seek.Snapshot{}, res.Err
		}
		snap := res.Val.(seek.Snapshot)
		// each caller gets its own slice
		snap.Hooks = slices.Clone(snap.Hooks)
		return snap, nil
	}
}
