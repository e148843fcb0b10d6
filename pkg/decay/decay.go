// Package decay implements temporal relevance decay for retrieval scoring.
//
// Retrieval scores fade as pieces age, so stale knowledge stops crowding
// out fresh knowledge even when it matches a query well. Decay is a pure
// transform over an already-scored result set:
//
//	score = raw · 2^(-age_days / half_life)
//
// A piece exactly half_life days old keeps half its raw score, one twice
// that age keeps a quarter, and so on.
//
// Evergreen info types skip decay entirely. Skills and instructions stay
// as relevant on day 300 as on day 1; only time-bound knowledge (facts,
// episodes, notes) should fade.
//
// Example Usage:
//
//	d := decay.New(decay.DefaultConfig())
//
//	// A 30-day-old fact at half_life 30 keeps half its score.
//	score := d.Apply(0.8, fact.CreatedAt, "facts")   // 0.4
//
//	// Instructions are evergreen and never fade.
//	score = d.Apply(0.8, old.CreatedAt, "instructions") // 0.8
//
// ELI12 (Explain Like I'm 12):
//
// Think of each piece of knowledge as a glow stick. Facts and diary
// entries are normal glow sticks: bright when you crack them, dimmer
// every day after. Skills are like a flashlight with fresh batteries:
// knowing how to ride a bike doesn't get less true over time, so its
// light never fades. When Munin picks what to show you, dimmer sticks
// lose to brighter ones.
package decay

import (
	"context"
	"log"
	"math"
	"sync"
	"time"
)

// DefaultHalfLifeDays is the default decay half-life.
const DefaultHalfLifeDays = 30.0

// Config holds decay configuration.
type Config struct {
	// HalfLifeDays is the age at which a non-evergreen piece keeps
	// half its raw score. Default: 30.
	HalfLifeDays float64 `yaml:"half_life_days"`

	// EvergreenInfoTypes lists info types exempt from decay.
	// Default: skills, instructions.
	EvergreenInfoTypes []string `yaml:"evergreen_info_types"`

	// RecalculateInterval drives the optional background sweep.
	// Default: 1 hour.
	RecalculateInterval time.Duration `yaml:"recalculate_interval"`
}

// DefaultConfig returns the default decay configuration.
func DefaultConfig() *Config {
	return &Config{
		HalfLifeDays:        DefaultHalfLifeDays,
		EvergreenInfoTypes:  []string{"skills", "instructions"},
		RecalculateInterval: time.Hour,
	}
}

// Decay applies temporal decay to retrieval scores.
//
// Thread-safe; Apply is pure math and can run concurrently.
type Decay struct {
	halfLife  float64
	evergreen map[string]struct{}
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Decay from config. Nil config uses DefaultConfig.
func New(config *Config) *Decay {
	if config == nil {
		config = DefaultConfig()
	}
	halfLife := config.HalfLifeDays
	if halfLife <= 0 {
		halfLife = DefaultHalfLifeDays
	}
	interval := config.RecalculateInterval
	if interval <= 0 {
		interval = time.Hour
	}

	evergreen := make(map[string]struct{}, len(config.EvergreenInfoTypes))
	for _, t := range config.EvergreenInfoTypes {
		evergreen[t] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Decay{
		halfLife:  halfLife,
		evergreen: evergreen,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Evergreen reports whether infoType is exempt from decay.
func (d *Decay) Evergreen(infoType string) bool {
	_, ok := d.evergreen[infoType]
	return ok
}

// Apply returns the decayed score for a piece created at createdAt.
// Evergreen info types pass through untouched.
func (d *Decay) Apply(raw float64, createdAt time.Time, infoType string) float64 {
	return d.ApplyAt(raw, createdAt, infoType, time.Now())
}

// ApplyAt is Apply with an explicit "now", for deterministic tests and
// backfill jobs.
func (d *Decay) ApplyAt(raw float64, createdAt time.Time, infoType string, now time.Time) float64 {
	if d.Evergreen(infoType) {
		return raw
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays <= 0 {
		return raw
	}
	return raw * math.Exp2(-ageDays/d.halfLife)
}

// Start begins a background sweep at the configured interval. The sweep
// function typically refreshes any persisted decay-derived state; errors
// are logged and the loop continues.
//
// Non-blocking; call Stop to shut down.
func (d *Decay) Start(sweep func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				if err := sweep(d.ctx); err != nil {
					log.Printf("decay sweep: %v", err)
				}
			}
		}
	}()
}

// Stop cancels the background sweep and waits for it to finish.
func (d *Decay) Stop() {
	d.cancel()
	d.wg.Wait()
}
