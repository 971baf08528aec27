package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/nidhogg/synergy/internal/pipeline"
	"go.uber.org/zap"
)

const fallbackBaseline = 100.0

var defaultScenarios = []string{"baseline", "price increase 10%", "promotion campaign"}

// Simulation runs a Monte Carlo what-if analysis per scenario on top of the
// forecast baseline.
type Simulation struct{ base }

func NewSimulation(logger *zap.Logger, opts ...Option) *Simulation {
	return &Simulation{base: newBase(pipeline.KindSimulation, logger, opts)}
}

func (a *Simulation) Kind() pipeline.Kind { return pipeline.KindSimulation }

// Validate bounds the scenario count and iteration budget.
func (a *Simulation) Validate(in pipeline.Input, s pipeline.Settings) error {
	if n, limit := len(in.Request.SimulationScenarios), s.Int("max_scenarios", 10); n > limit {
		return fmt.Errorf("%d scenarios requested, at most %d allowed", n, limit)
	}
	if it := s.Int("iterations", 1000); it < 100 || it > 10000 {
		return fmt.Errorf("iterations %d outside 100..10000", it)
	}
	return nil
}

// scenarioEffect derives the price and demand assumptions of a scenario
// from its name.
func scenarioEffect(name string) (priceChange, demandShift float64) {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "increase"):
		priceChange = 0.10
	case strings.Contains(n, "decrease"), strings.Contains(n, "discount"):
		priceChange = -0.10
	}
	if strings.Contains(n, "promotion") || strings.Contains(n, "campaign") {
		demandShift = 0.08
		priceChange -= 0.03
	}
	if strings.Contains(n, "shortage") || strings.Contains(n, "disruption") {
		demandShift -= 0.12
		priceChange += 0.05
	}
	return priceChange, demandShift
}

func (a *Simulation) Execute(ctx context.Context, in pipeline.Input, s pipeline.Settings, progress pipeline.ProgressFunc) (json.RawMessage, error) {
	iterations := s.Int("iterations", 1000)
	conf := s.Float("confidence_level", 0.95)
	scenarios := in.Request.SimulationScenarios
	if len(scenarios) == 0 {
		scenarios = defaultScenarios
	}

	forecast, err := upstream[ForecastResult](in, pipeline.KindForecasting)
	if err != nil {
		return nil, err
	}
	baseline := fallbackBaseline
	volatility := 0.05
	if forecast != nil {
		if m := forecast.MeanForecast(); m > 0 {
			baseline = m
		}
		if rmse := forecast.ModelMetrics["rmse"]; rmse > 0 && baseline > 0 {
			volatility = math.Max(rmse/baseline, 0.01)
		}
	} else {
		a.logger.Info("no forecast available, simulating against a fallback baseline")
	}

	const elasticity = -1.2
	tail := (1 - conf) / 2
	results := make([]SimulationResult, 0, len(scenarios))
	for si, name := range scenarios {
		priceChange, demandShift := scenarioEffect(name)
		rng := seeded("simulation", in.Request.ProductCategory, name)
		revenue := make([]float64, iterations)
		var losses int
		for i := range revenue {
			if i%250 == 0 {
				if err := checkpoint(ctx); err != nil {
					return nil, err
				}
			}
			shock := rng.NormFloat64() * volatility
			volume := 1 + elasticity*priceChange + demandShift + shock
			revenue[i] = baseline * (1 + priceChange) * volume
			if revenue[i] < baseline {
				losses++
			}
		}
		slices.Sort(revenue)
		mean := meanOf(revenue)
		lo := revenue[int(tail*float64(iterations))]
		hi := revenue[min(int((1-tail)*float64(iterations)), iterations-1)]
		impact := (mean - baseline) / baseline * 100
		lossProb := float64(losses) / float64(iterations)

		recs := []string{}
		switch {
		case impact > 2 && lossProb < 0.3:
			recs = append(recs, fmt.Sprintf("pursue %q: expected revenue uplift %.1f%%", name, impact))
		case impact < -2:
			recs = append(recs, fmt.Sprintf("avoid %q: expected revenue decline %.1f%%", name, -impact))
		default:
			recs = append(recs, fmt.Sprintf("%q is roughly revenue neutral; decide on strategic grounds", name))
		}
		if lossProb > 0.5 {
			recs = append(recs, "hedge downside: more than half of simulated outcomes underperform the baseline")
		}

		results = append(results, SimulationResult{
			ScenarioName: name,
			PredictedImpact: map[string]float64{
				"revenue_change_percent": round(impact, 2),
				"expected_revenue":       round(mean, 2),
				"price_change_percent":   round(priceChange*100, 2),
			},
			ConfidenceIntervals: map[string]Interval{
				"expected_revenue": {Lower: round(lo, 2), Upper: round(hi, 2)},
			},
			RiskAssessment: map[string]float64{
				"probability_of_loss": round(lossProb, 3),
				"volatility":          round(volatility, 4),
			},
			Recommendations: recs,
		})
		progress(float64(si+1)/float64(len(scenarios))*90, fmt.Sprintf("simulated %s", name), "simulate")
	}

	best, worst := results[0], results[0]
	for _, r := range results[1:] {
		if r.PredictedImpact["revenue_change_percent"] > best.PredictedImpact["revenue_change_percent"] {
			best = r
		}
		if r.PredictedImpact["revenue_change_percent"] < worst.PredictedImpact["revenue_change_percent"] {
			worst = r
		}
	}

	analysis := SimulationAnalysis{
		Scenarios:     results,
		BestScenario:  best.ScenarioName,
		WorstScenario: worst.ScenarioName,
		Iterations:    iterations,
		BaselineValue: round(baseline, 2),
		ComparativeSummary: fmt.Sprintf("%q leads with %.1f%% revenue change; %q trails with %.1f%%.",
			best.ScenarioName, best.PredictedImpact["revenue_change_percent"],
			worst.ScenarioName, worst.PredictedImpact["revenue_change_percent"]),
		GeneratedAt: a.now().UTC(),
	}
	progress(95, "simulation ready", "done")
	return encode(analysis)
}

func meanOf(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
