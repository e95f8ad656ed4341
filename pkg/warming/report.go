package warming

import (
	"math"
	"time"

	"github.com/Sternrassler/geoquota/pkg/geo"
)

// CostPerCall is the average provider cost assumed for a warming call.
const CostPerCall = 0.005

// StrategyResult counts the work of one strategy.
type StrategyResult struct {
	Strategy   Strategy `json:"strategy"`
	Candidates int      `json:"candidates"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Blocked    int      `json:"blocked"`
	APICalls   int      `json:"api_calls"`
}

func (r *StrategyResult) count(o outcome) {
	switch o {
	case outcomeSuccess:
		r.Successful++
		r.APICalls++
	case outcomeEmpty:
		r.Failed++
		r.APICalls++
	case outcomeBlocked:
		r.Blocked++
	default:
		r.Failed++
		r.APICalls++
	}
}

// Improvement is the expected effect of a run. The figures are estimates
// for dashboards.
type Improvement struct {
	ExpectedHitRatePercent    float64 `json:"expected_cache_hit_rate"`
	ResponseTimeImprovementMs float64 `json:"expected_response_time_improvement_ms"`
	APIReductionPercent       float64 `json:"expected_api_reduction_percent"`
	DailyCostSavings          float64 `json:"estimated_daily_cost_savings"`
}

// Report aggregates a warming run.
type Report struct {
	StartedAt      time.Time        `json:"started_at"`
	Duration       time.Duration    `json:"duration"`
	TotalProcessed int              `json:"total_jobs_processed"`
	Successful     int              `json:"successful_warmings"`
	Failed         int              `json:"failed_warmings"`
	Blocked        int              `json:"blocked"`
	APICalls       int              `json:"api_calls_made"`
	EstimatedCost  float64          `json:"estimated_cost"`
	StrategiesUsed []Strategy       `json:"strategies_used"`
	Results        []StrategyResult `json:"results"`
	Improvement    Improvement      `json:"performance_improvement"`
}

func (r *Report) add(res StrategyResult) {
	r.TotalProcessed += res.Successful + res.Failed
	r.Successful += res.Successful
	r.Failed += res.Failed
	r.Blocked += res.Blocked
	r.APICalls += res.APICalls
	r.Results = append(r.Results, res)
}

// Result returns the counts of strategy s.
func (r *Report) Result(s Strategy) StrategyResult {
	for _, res := range r.Results {
		if res.Strategy == s {
			return res
		}
	}
	return StrategyResult{Strategy: s}
}

func (r *Report) finish(d time.Duration) {
	r.Duration = d
	r.EstimatedCost = geo.Round(float64(r.APICalls)*CostPerCall, 4)
	r.Improvement = expectedImprovement(r.Successful, r.APICalls, r.EstimatedCost)
}

func expectedImprovement(successful, apiCalls int, cost float64) Improvement {
	hitRate := math.Min(0.95, 0.6+float64(successful)*0.01)
	return Improvement{
		ExpectedHitRatePercent:    geo.Round(hitRate*100, 2),
		ResponseTimeImprovementMs: float64(successful * 2),
		APIReductionPercent:       geo.Round(float64(successful)/math.Max(1, float64(apiCalls))*100, 2),
		DailyCostSavings:          geo.Round(cost*10, 4),
	}
}
