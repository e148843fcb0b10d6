// Package decay tests
package decay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApply_HalfLifeExact(t *testing.T) {
	d := New(DefaultConfig())
	now := time.Now()

	// A non-evergreen piece scored 0.8 at exactly one half-life decays
	// to exactly 0.4.
	created := now.Add(-30 * 24 * time.Hour)
	got := d.ApplyAt(0.8, created, "facts", now)
	assert.InDelta(t, 0.4, got, 1e-9)

	// Two half-lives: a quarter.
	created = now.Add(-60 * 24 * time.Hour)
	got = d.ApplyAt(0.8, created, "facts", now)
	assert.InDelta(t, 0.2, got, 1e-9)
}

func TestApply_EvergreenSkipsDecay(t *testing.T) {
	d := New(DefaultConfig())
	now := time.Now()
	created := now.Add(-30 * 24 * time.Hour)

	assert.Equal(t, 0.8, d.ApplyAt(0.8, created, "skills", now))
	assert.Equal(t, 0.8, d.ApplyAt(0.8, created, "instructions", now))

	assert.True(t, d.Evergreen("skills"))
	assert.False(t, d.Evergreen("facts"))
}

func TestApply_FreshPieceUndamped(t *testing.T) {
	d := New(DefaultConfig())
	now := time.Now()

	assert.Equal(t, 0.8, d.ApplyAt(0.8, now, "facts", now))
	// Clock skew: future createdAt never boosts the score.
	assert.Equal(t, 0.8, d.ApplyAt(0.8, now.Add(time.Hour), "facts", now))
}

func TestApply_CustomHalfLife(t *testing.T) {
	d := New(&Config{HalfLifeDays: 7, EvergreenInfoTypes: nil})
	now := time.Now()
	created := now.Add(-7 * 24 * time.Hour)

	assert.InDelta(t, 0.5, d.ApplyAt(1.0, created, "facts", now), 1e-9)
	// With no evergreen set configured, nothing is exempt.
	assert.InDelta(t, 0.5, d.ApplyAt(1.0, created, "skills", now), 1e-9)
}
