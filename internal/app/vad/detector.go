// Package vad turns sampled input levels into speaking/silent transitions.
package vad

import (
	"sync"
	"time"

	"github.com/dkeye/callmesh/internal/core"
)

type Config struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold float64       `mapstructure:"threshold"`
	// Hangover keeps the speaking state through short pauses.
	Hangover time.Duration `mapstructure:"hangover"`
}

func DefaultConfig() Config {
	return Config{Interval: 100 * time.Millisecond, Threshold: 0.08, Hangover: 600 * time.Millisecond}
}

// Detector emits onChange only when the speaking state flips.
type Detector struct {
	mu       sync.Mutex
	meter    core.LevelMeter
	cfg      Config
	clock    core.Clock
	onChange func(bool)

	speaking  bool
	lastVoice time.Time
	timer     core.Timer
	stopped   bool
}

func New(meter core.LevelMeter, cfg Config, clock core.Clock, onChange func(bool)) *Detector {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = def.Hangover
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Detector{meter: meter, cfg: cfg, clock: clock, onChange: onChange}
}

// Start samples the meter every interval until Stop.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil || d.stopped {
		return
	}
	d.timer = d.clock.AfterFunc(d.cfg.Interval, d.tick)
}

func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

func (d *Detector) tick() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = d.clock.AfterFunc(d.cfg.Interval, d.tick)
	d.mu.Unlock()

	d.Observe(d.meter.Level())
}

// Observe feeds one level sample.
func (d *Detector) Observe(level float64) {
	d.mu.Lock()
	now := d.clock.Now()
	changed := false
	switch {
	case level >= d.cfg.Threshold:
		d.lastVoice = now
		if !d.speaking {
			d.speaking, changed = true, true
		}
	case d.speaking && now.Sub(d.lastVoice) >= d.cfg.Hangover:
		d.speaking, changed = false, true
	}
	speaking, stopped, cb := d.speaking, d.stopped, d.onChange
	d.mu.Unlock()

	if changed && !stopped && cb != nil {
		cb(speaking)
	}
}
