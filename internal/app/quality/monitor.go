// Package quality classifies link quality from packet loss. It only reports;
// owners decide what to do with a level.
package quality

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

const DefaultInterval = 3 * time.Second

// Sampler exposes cumulative transport counters. *link.Link implements it.
type Sampler interface {
	Stats() (core.TransportStats, error)
}

type Callback func(remote domain.UserID, level domain.QualityLevel)

type entry struct {
	remote  domain.UserID
	sampler Sampler
	cb      Callback
	last    core.TransportStats
}

type Monitor struct {
	mu       sync.Mutex
	interval time.Duration
	entries  map[string]*entry
}

func New(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{interval: interval, entries: make(map[string]*entry)}
}

// Watch registers a sampler under key, replacing any previous one.
func (m *Monitor) Watch(key string, remote domain.UserID, s Sampler, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &entry{remote: remote, sampler: s, cb: cb}
}

func (m *Monitor) Unwatch(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	log.Info().Str("module", "app.quality").Dur("interval", m.interval).Msg("monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleNow()
		}
	}
}

type report struct {
	cb     Callback
	remote domain.UserID
	level  domain.QualityLevel
}

// SampleNow takes one sample of every watched link. Callbacks run after the
// monitor lock is dropped, so they may Unwatch.
func (m *Monitor) SampleNow() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	targets := make([]*entry, 0, len(m.entries))
	for k, e := range m.entries {
		keys = append(keys, k)
		targets = append(targets, e)
	}
	m.mu.Unlock()

	var out []report
	for i, e := range targets {
		stats, err := e.sampler.Stats()
		if err != nil {
			log.Debug().Err(err).Str("module", "app.quality").Str("key", keys[i]).Msg("stats unavailable")
			continue
		}

		m.mu.Lock()
		if m.entries[keys[i]] != e {
			m.mu.Unlock()
			continue
		}
		prev := e.last
		e.last = stats
		m.mu.Unlock()

		if stats.PacketsReceived < prev.PacketsReceived || stats.PacketsLost < prev.PacketsLost {
			continue
		}
		recv := stats.PacketsReceived - prev.PacketsReceived
		lost := stats.PacketsLost - prev.PacketsLost
		if recv+lost == 0 {
			continue
		}
		ratio := float64(lost) / float64(recv+lost)
		out = append(out, report{cb: e.cb, remote: e.remote, level: Classify(ratio)})
	}

	for _, r := range out {
		if r.cb != nil {
			r.cb(r.remote, r.level)
		}
	}
}

// Classify maps a loss ratio in [0, 1] to a level.
func Classify(ratio float64) domain.QualityLevel {
	switch {
	case ratio < 0.01:
		return domain.QualityExcellent
	case ratio < 0.03:
		return domain.QualityGood
	case ratio < 0.08:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}
