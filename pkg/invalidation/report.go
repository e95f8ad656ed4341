package invalidation

import (
	"fmt"
	"math"
	"time"
)

// StrategyResult is the outcome of one strategy in a sweep.
type StrategyResult struct {
	Strategy    Strategy `json:"strategy"`
	Checked     int      `json:"checked"`
	Invalidated int      `json:"invalidated"`
	Reasons     []string `json:"reasons,omitempty"`
}

func (r *StrategyResult) record(reason string) {
	r.Invalidated++
	r.Reasons = append(r.Reasons, reason)
}

// Impact is a coarse estimate of a sweep's effect, for observability only.
type Impact struct {
	FreshnessImprovement float64 `json:"cache_freshness_improvement"`
	AccuracyImprovement  float64 `json:"response_accuracy_improvement"`
	ExtraProviderCalls   int     `json:"estimated_api_calls_increase"`
	MemoryFreedMB        float64 `json:"memory_freed_mb"`
}

// Recommendation is an operator hint derived from a sweep.
type Recommendation struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// Report aggregates a sweep.
type Report struct {
	StartedAt       time.Time        `json:"started_at"`
	Duration        time.Duration    `json:"duration"`
	TotalChecked    int              `json:"total_checked"`
	Invalidated     int              `json:"invalidated"`
	Strategies      []StrategyResult `json:"strategies"`
	Impact          Impact           `json:"performance_impact"`
	Recommendations []Recommendation `json:"recommendations"`
}

func (r *Report) add(res StrategyResult) {
	r.TotalChecked += res.Checked
	r.Invalidated += res.Invalidated
	r.Strategies = append(r.Strategies, res)
}

// Strategy returns the result of strategy s.
func (r *Report) Strategy(s Strategy) StrategyResult {
	for _, res := range r.Strategies {
		if res.Strategy == s {
			return res
		}
	}
	return StrategyResult{Strategy: s}
}

func estimateImpact(invalidated int) Impact {
	n := float64(invalidated)
	return Impact{
		FreshnessImprovement: math.Min(100, n*2),
		AccuracyImprovement:  math.Min(100, n*1.5),
		ExtraProviderCalls:   invalidated,
		MemoryFreedMB:        math.Round(n*0.05*100) / 100,
	}
}

func recommend(r *Report) []Recommendation {
	var out []Recommendation

	if r.Invalidated > 100 {
		out = append(out, Recommendation{
			Type:    "warning",
			Message: "High number of invalidations, review TTL strategies",
			Action:  "Adjust TTL configuration",
		})
	}

	if r.Invalidated == 0 && r.TotalChecked > 0 {
		out = append(out, Recommendation{
			Type:    "info",
			Message: "No invalidations needed, cache is fresh",
			Action:  "Keep current configuration",
		})
	}

	var top StrategyResult
	for _, res := range r.Strategies {
		if res.Invalidated > top.Invalidated {
			top = res
		}
	}
	if top.Invalidated > 50 {
		out = append(out, Recommendation{
			Type:    "optimization",
			Message: fmt.Sprintf("Strategy %q is very active and may need tuning", top.Strategy),
			Action:  "Fine-tune strategy parameters",
		})
	}

	return out
}
