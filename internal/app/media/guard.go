// Package media owns the local capture devices. At most one owner holds
// the track set at a time and every acquired track is stopped exactly once.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

type Guard struct {
	mu     sync.Mutex
	source core.MediaSource

	owner  string
	kind   domain.CallKind
	tracks []core.LocalTrack

	// pending is the owner whose Open is in flight; revoked is set when
	// that owner releases before Open returns.
	pending string
	revoked bool
}

func NewGuard(source core.MediaSource) *Guard {
	return &Guard{source: source}
}

// Acquire opens capture for kind on behalf of owner. Acquiring again for the
// current owner returns the held tracks. Open runs without the guard lock.
func (g *Guard) Acquire(ctx context.Context, owner string, kind domain.CallKind) ([]core.LocalTrack, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("acquire %s: %w", kind, core.ErrMediaUnavailable)
	}

	g.mu.Lock()
	switch {
	case g.owner == owner && len(g.tracks) > 0:
		held := append([]core.LocalTrack(nil), g.tracks...)
		g.mu.Unlock()
		return held, nil
	case g.owner != "" || (g.pending != "" && g.pending != owner):
		holder := g.owner
		if holder == "" {
			holder = g.pending
		}
		g.mu.Unlock()
		log.Warn().Str("module", "app.media").Str("owner", owner).Str("holder", holder).Msg("capture already held")
		return nil, core.ErrSessionConflict
	}
	g.pending = owner
	g.revoked = false
	g.mu.Unlock()

	tracks, err := g.source.Open(ctx, kind)

	g.mu.Lock()
	defer g.mu.Unlock()
	revoked := g.revoked
	g.pending = ""
	g.revoked = false

	if err != nil {
		log.Warn().Err(err).Str("module", "app.media").Str("owner", owner).Str("kind", kind.String()).Msg("capture refused")
		return nil, fmt.Errorf("%w: %w", core.ErrMediaUnavailable, err)
	}
	if revoked {
		stopAll(tracks)
		log.Info().Str("module", "app.media").Str("owner", owner).Msg("capture released before it was granted")
		return nil, core.ErrSessionEnded
	}

	g.owner = owner
	g.kind = kind
	g.tracks = tracks
	log.Info().Str("module", "app.media").Str("owner", owner).Str("kind", kind.String()).Int("tracks", len(tracks)).Msg("capture acquired")
	return append([]core.LocalTrack(nil), tracks...), nil
}

// Release stops every track held by owner. Releasing twice, or releasing an
// owner that holds nothing, is a no-op.
func (g *Guard) Release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == owner {
		g.revoked = true
	}
	if g.owner != owner {
		return
	}
	stopAll(g.tracks)
	log.Info().Str("module", "app.media").Str("owner", owner).Int("tracks", len(g.tracks)).Msg("capture released")
	g.owner = ""
	g.kind = 0
	g.tracks = nil
}

// SetTrackEnabled mutes or unmutes owner's tracks of one kind. It reports
// false when owner holds no such track; tracks held by anyone else are
// never touched.
func (g *Guard) SetTrackEnabled(owner string, kind domain.TrackKind, enabled bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != owner {
		return false
	}
	found := false
	for _, t := range g.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	return found
}

func (g *Guard) TrackEnabled(kind domain.TrackKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tracks {
		if t.Kind() == kind {
			return t.Enabled()
		}
	}
	return false
}

func (g *Guard) Tracks() []core.LocalTrack {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.LocalTrack(nil), g.tracks...)
}

// AudioTrack returns the held microphone track, if any.
func (g *Guard) AudioTrack() (core.LocalTrack, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tracks {
		if t.Kind() == domain.TrackAudio {
			return t, true
		}
	}
	return nil, false
}

func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tracks) > 0
}

func (g *Guard) Owner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

func stopAll(tracks []core.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}
