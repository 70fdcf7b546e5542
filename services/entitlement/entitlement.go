package entitlement

import (
	"encoding/json"
	"sort"
	"time"

	"gorm.io/datatypes"
)

// Strategy is the closed set of composition strategies. Anything else
// parses to StrategyMax.
type Strategy string

const (
	StrategySum   Strategy = "sum"
	StrategyMax   Strategy = "max"
	StrategyUnion Strategy = "union"
)

func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategySum, StrategyMax, StrategyUnion:
		return Strategy(s)
	default:
		return StrategyMax
	}
}

// Feature is a single entitlement: an on/off switch, an optional numeric
// limit (nil means unlimited), an optional value set, and the strategy used
// when composing it across licenses.
type Feature struct {
	Enabled bool     `json:"enabled"`
	Limit   *float64 `json:"limit,omitempty"`
	Values  []string `json:"values,omitempty"`
	Compose string   `json:"compose,omitempty"`
}

// Snapshot is an immutable resolved entitlement set. Callers must not
// mutate Features after resolution.
type Snapshot struct {
	Features   map[string]Feature `json:"features"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

func (s Snapshot) Feature(name string) (Feature, bool) {
	f, ok := s.Features[name]
	return f, ok
}

// Limit returns the numeric limit for a feature. The second result is false
// when the feature is absent, disabled, or has no limit configured
// (unlimited).
func (s Snapshot) Limit(name string) (float64, bool) {
	f, ok := s.Features[name]
	if !ok || !f.Enabled || f.Limit == nil {
		return 0, false
	}
	return *f.Limit, true
}

// Resolve folds entitlement layers in precedence order: tenant defaults,
// product features, license overrides, agent overrides. A later layer
// overrides an earlier one per feature key, wholesale.
func Resolve(now time.Time, layers ...map[string]Feature) Snapshot {
	merged := map[string]Feature{}
	for _, layer := range layers {
		for name, f := range layer {
			merged[name] = cloneFeature(f)
		}
	}
	return Snapshot{Features: merged, ResolvedAt: now.UTC()}
}

// Compose merges snapshots from multiple licenses into one effective
// entitlement set. Per feature: enabled is OR-ed, value sets are unioned,
// and limits combine under a single effective strategy picked across the
// whole multiset (sum or max; union behaves as max for numbers). When
// snapshots tag the same feature with different strategies, the conflict
// resolves by a fixed ranking (sum over max over union), never by input
// position. A nil limit on any side wins: unlimited absorbs. The operation
// is commutative and associative, so input order is irrelevant.
func Compose(now time.Time, snapshots ...Snapshot) Snapshot {
	accs := map[string]*composeAcc{}

	for _, snap := range snapshots {
		for name, f := range snap.Features {
			acc, ok := accs[name]
			if !ok {
				acc = &composeAcc{}
				accs[name] = acc
			}
			acc.enabled = acc.enabled || f.Enabled
			if f.Limit == nil {
				acc.unlimited = true
			} else {
				acc.limits = append(acc.limits, *f.Limit)
			}
			acc.values = unionValues(acc.values, f.Values)
			if f.Compose != "" {
				s := ParseStrategy(f.Compose)
				if !acc.tagged || strategyRank(s) > strategyRank(acc.strategy) {
					acc.strategy = s
					acc.tagged = true
				}
			}
		}
	}

	merged := make(map[string]Feature, len(accs))
	for name, acc := range accs {
		f := Feature{Enabled: acc.enabled, Values: acc.values}
		if acc.tagged {
			f.Compose = string(acc.strategy)
		}
		if !acc.unlimited && len(acc.limits) > 0 {
			f.Limit = combineLimits(acc.strategy, acc.tagged, acc.limits)
		}
		sort.Strings(f.Values)
		merged[name] = f
	}

	return Snapshot{Features: merged, ResolvedAt: now.UTC()}
}

// composeAcc accumulates one feature across every snapshot before any
// limit arithmetic happens, so the effective strategy is settled first.
type composeAcc struct {
	enabled   bool
	unlimited bool
	limits    []float64
	values    []string
	strategy  Strategy
	tagged    bool
}

// strategyRank is the total order used to settle conflicting strategy tags:
// sum beats max beats union.
func strategyRank(s Strategy) int {
	switch s {
	case StrategySum:
		return 2
	case StrategyMax:
		return 1
	default:
		return 0
	}
}

func combineLimits(strategy Strategy, tagged bool, limits []float64) *float64 {
	if tagged && strategy == StrategySum {
		total := 0.0
		for _, v := range limits {
			total += v
		}
		return &total
	}
	m := limits[0]
	for _, v := range limits[1:] {
		if v > m {
			m = v
		}
	}
	return &m
}

func unionValues(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(a)+len(b))
	for _, vs := range [][]string{a, b} {
		for _, v := range vs {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func cloneFeature(f Feature) Feature {
	if len(f.Values) == 0 {
		return f
	}
	values := make([]string, len(f.Values))
	copy(values, f.Values)
	f.Values = values
	return f
}

// ParseFeatures decodes a feature map from its JSON column form. A nil or
// empty column is an empty layer.
func ParseFeatures(raw datatypes.JSON) (map[string]Feature, error) {
	if len(raw) == 0 {
		return map[string]Feature{}, nil
	}
	var out map[string]Feature
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]Feature{}
	}
	return out, nil
}

// MarshalFeatures encodes a feature map for storage.
func MarshalFeatures(features map[string]Feature) (datatypes.JSON, error) {
	b, err := json.Marshal(features)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
