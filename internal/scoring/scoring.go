// Package scoring decides which enumerated loops are economically viable.
// The scorer is a pure function over a loop: length penalty times value
// fairness, gated by tenant policy. Valuations come from an injected
// ItemValuer so the engine itself never prices anything.
package scoring

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tradeweave/loopengine/internal/discovery"
	"github.com/tradeweave/loopengine/internal/models"
)

// ItemValuer supplies a non-negative valuation per item. Implementations
// must be deterministic for the lifetime of a scorer.
type ItemValuer interface {
	Value(ref models.ItemRef) float64
}

// UnitValuer values every item at 1, which makes every loop perfectly fair.
type UnitValuer struct{}

func (UnitValuer) Value(models.ItemRef) float64 { return 1 }

// StaticValuer resolves item value by id, then by collection floor, then a
// default. Negative table entries count as zero.
type StaticValuer struct {
	Items       map[string]float64
	Collections map[string]float64
	Default     float64
}

func (v StaticValuer) Value(ref models.ItemRef) float64 {
	if x, ok := v.Items[ref.ID]; ok {
		return math.Max(0, x)
	}
	if x, ok := v.Collections[ref.CollectionID]; ok {
		return math.Max(0, x)
	}
	return math.Max(0, v.Default)
}

// Mode selects how the score factors compose.
type Mode string

const (
	// ModeMultiplicative multiplies the factors; a weak factor sinks the
	// whole score.
	ModeMultiplicative Mode = "multiplicative"
	// ModeAdditive takes a weighted mean of the factors.
	ModeAdditive Mode = "additive"
)

const (
	// DefaultLengthAlpha is the length-penalty slope when unconfigured.
	DefaultLengthAlpha = 0.25
	// DefaultFairnessWeight balances fairness against length when
	// unconfigured.
	DefaultFairnessWeight = 1.0
)

// Config is one tenant's scoring policy.
type Config struct {
	Mode Mode
	// MinScore discards loops scoring below it.
	MinScore float64
	// LengthAlpha steepens the length penalty; 0 means the default.
	LengthAlpha float64
	// FairnessWeight scales the fairness factor; 0 means the default.
	// Multiplicative mode applies it as an exponent, additive mode as a
	// mixing weight.
	FairnessWeight float64
	// MaxSteps rejects loops with more steps regardless of score.
	// 0 means no scorer-side cap.
	MaxSteps int
	// AllowCollections, when non-empty, requires every item to belong to
	// one of the listed collections. Items without a known collection are
	// rejected under an allow list.
	AllowCollections []string
	// DenyCollections rejects any loop touching a listed collection.
	// Deny wins over allow.
	DenyCollections []string
}

// Scorer implements discovery.Evaluator for one tenant.
type Scorer struct {
	mode     Mode
	minScore float64
	alpha    float64
	fairW    float64
	maxSteps int
	valuer   ItemValuer
	allow    map[string]struct{}
	deny     map[string]struct{}
}

var _ discovery.Evaluator = (*Scorer)(nil)

// New builds a scorer from tenant policy. A nil valuer falls back to
// UnitValuer.
func New(cfg Config, valuer ItemValuer) *Scorer {
	if valuer == nil {
		valuer = UnitValuer{}
	}
	s := &Scorer{
		mode:     cfg.Mode,
		minScore: math.Max(0, cfg.MinScore),
		alpha:    cfg.LengthAlpha,
		fairW:    cfg.FairnessWeight,
		maxSteps: cfg.MaxSteps,
		valuer:   valuer,
	}
	if s.mode == "" {
		s.mode = ModeMultiplicative
	}
	if s.alpha <= 0 {
		s.alpha = DefaultLengthAlpha
	}
	if s.fairW <= 0 {
		s.fairW = DefaultFairnessWeight
	}
	if len(cfg.AllowCollections) > 0 {
		s.allow = make(map[string]struct{}, len(cfg.AllowCollections))
		for _, c := range cfg.AllowCollections {
			s.allow[c] = struct{}{}
		}
	}
	if len(cfg.DenyCollections) > 0 {
		s.deny = make(map[string]struct{}, len(cfg.DenyCollections))
		for _, c := range cfg.DenyCollections {
			s.deny[c] = struct{}{}
		}
	}
	return s
}

// Evaluate scores a loop in [0,1]; ok is false for loops the tenant policy
// or the min-score threshold rejects.
func (s *Scorer) Evaluate(loop models.TradeLoop) (float64, bool) {
	n := len(loop.Steps)
	if n < 2 {
		return 0, false
	}
	if s.maxSteps > 0 && n > s.maxSteps {
		return 0, false
	}
	if !s.collectionsAllowed(loop) {
		return 0, false
	}

	score := s.compose(s.lengthFactor(n), s.fairnessFactor(loop))
	if score < s.minScore {
		return 0, false
	}
	return score, true
}

// CanAccept reports whether a loop of at least the given length could still
// clear the threshold, assuming perfect fairness. Monotone: once false it
// stays false for longer loops.
func (s *Scorer) CanAccept(steps int) bool {
	if steps < 2 {
		steps = 2
	}
	if s.maxSteps > 0 && steps > s.maxSteps {
		return false
	}
	return s.compose(s.lengthFactor(steps), 1) >= s.minScore
}

// lengthFactor is 1 for two-step swaps and decays hyperbolically.
func (s *Scorer) lengthFactor(n int) float64 {
	return 1 / (1 + s.alpha*float64(n-2))
}

// fairnessFactor penalizes dispersion of per-step value. 1 means every
// step moves equal value; it decays with the coefficient of variation.
// Valueless loops (all steps worth zero) carry no fairness signal and
// score 1.
func (s *Scorer) fairnessFactor(loop models.TradeLoop) float64 {
	vals := make([]float64, len(loop.Steps))
	for i, st := range loop.Steps {
		var sum float64
		for _, ref := range st.Items {
			if v := s.valuer.Value(ref); v > 0 {
				sum += v
			}
		}
		vals[i] = sum
	}
	mean := stat.Mean(vals, nil)
	if mean <= 0 {
		return 1
	}
	cv := stat.StdDev(vals, nil) / mean
	return 1 / (1 + cv)
}

func (s *Scorer) compose(length, fairness float64) float64 {
	switch s.mode {
	case ModeAdditive:
		return (length + s.fairW*fairness) / (1 + s.fairW)
	default:
		return length * math.Pow(fairness, s.fairW)
	}
}

func (s *Scorer) collectionsAllowed(loop models.TradeLoop) bool {
	for _, st := range loop.Steps {
		for _, ref := range st.Items {
			if _, denied := s.deny[ref.CollectionID]; denied {
				return false
			}
			if s.allow != nil {
				if _, ok := s.allow[ref.CollectionID]; !ok {
					return false
				}
			}
		}
	}
	return true
}
