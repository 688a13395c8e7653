package matching

import (
	"math/rand"

	"github.com/kwanzatech/consult-mp-backend/internal/directory"
)

// Scorer ranks eligible professionals. The jitter source is injectable so
// tests can pin it.
//
// Score breakdown:
//
//	rating * 8                      up to 40 (rating is 0..5)
//	experience years * 3, capped    up to 30
//	active load penalty             0 / -5 / -15 / -30
//	response-time bonus             +20 / +15 / +10 / 0
//	jitter                          uniform [0, 10)
//
// The result is floored at zero.
type Scorer struct {
	jitter func() float64
}

func NewScorer() *Scorer {
	return &Scorer{jitter: func() float64 { return rand.Float64() * 10 }}
}

// NewScorerWithJitter pins the jitter source. Tests pass a constant.
func NewScorerWithJitter(jitter func() float64) *Scorer {
	return &Scorer{jitter: jitter}
}

func (s *Scorer) Score(snap directory.Snapshot) float64 {
	p := snap.Professional

	score := p.Rating * 8

	exp := float64(p.ExperienceYears) * 3
	if exp > 30 {
		exp = 30
	}
	score += exp

	score += loadPenalty(snap.ActiveLoad)

	if snap.HasResponseStats {
		score += responseBonus(snap.AvgResponseSeconds)
	}

	score += s.jitter()

	if score < 0 {
		score = 0
	}
	return score
}

// A busy professional is progressively deprioritized rather than excluded.
func loadPenalty(active int64) float64 {
	switch {
	case active <= 0:
		return 0
	case active == 1:
		return -5
	case active == 2:
		return -15
	default:
		return -30
	}
}

// Fast responders get a head start. No recorded responses means no bonus.
func responseBonus(avgSeconds float64) float64 {
	switch {
	case avgSeconds < 60:
		return 20
	case avgSeconds < 180:
		return 15
	case avgSeconds < 300:
		return 10
	default:
		return 0
	}
}
