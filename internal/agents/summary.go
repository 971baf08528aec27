package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/synergy/internal/pipeline"
	"go.uber.org/zap"
)

// Summary renders the upstream payloads into a slide deck with an
// executive summary. Missing upstream stages are noted, not fatal.
type Summary struct{ base }

func NewSummary(logger *zap.Logger, opts ...Option) *Summary {
	return &Summary{base: newBase(pipeline.KindSummary, logger, opts)}
}

func (a *Summary) Kind() pipeline.Kind { return pipeline.KindSummary }

func (a *Summary) Execute(ctx context.Context, in pipeline.Input, s pipeline.Settings, progress pipeline.ProgressFunc) (json.RawMessage, error) {
	category := in.Request.ProductCategory
	maxSlides := s.Int("max_slides", 20)
	charts := s.Bool("include_charts", true)

	progress(10, "collecting stage results", "collect")
	forecast, err := upstream[ForecastResult](in, pipeline.KindForecasting)
	if err != nil {
		return nil, err
	}
	news, err := upstream[NewsAnalysis](in, pipeline.KindNews)
	if err != nil {
		return nil, err
	}
	sim, err := upstream[SimulationAnalysis](in, pipeline.KindSimulation)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	var missing []string
	exec := &ExecutiveSummary{
		Title:       fmt.Sprintf("%s market analysis", capitalize(category)),
		GeneratedAt: a.now().UTC(),
	}
	slides := []Slide{{
		Title:   exec.Title,
		Content: []string{fmt.Sprintf("Forecast horizon: %d days", in.Request.ForecastHorizon)},
	}}

	progress(40, "drafting slides", "render")
	if forecast != nil {
		t := forecast.TrendAnalysis
		finding := fmt.Sprintf("Prices are %s (%.1f%% over the horizon)", t.Direction, t.ChangePercent)
		exec.KeyFindings = append(exec.KeyFindings, finding)
		exec.Insights = append(exec.Insights, InsightPoint{
			Title:       "Price trend",
			Description: finding,
			Importance:  importance(t.ChangePercent, 5, 2),
		})
		slide := Slide{
			Title: "Demand and price forecast",
			Content: []string{
				finding,
				fmt.Sprintf("Mean forecast %.2f, model error (MAPE) %.2f%%", forecast.MeanForecast(), forecast.ModelMetrics["mape"]),
				fmt.Sprintf("%d historical anomalies detected", len(forecast.Anomalies)),
			},
		}
		if charts {
			series := make([]float64, len(forecast.ForecastPoints))
			for i, p := range forecast.ForecastPoints {
				series[i] = p.PredictedValue
			}
			slide.ChartData = map[string]any{"type": "line", "series": series}
		}
		slides = append(slides, slide)
	} else {
		missing = append(missing, string(pipeline.KindForecasting))
	}

	if news != nil {
		exec.KeyFindings = append(exec.KeyFindings, news.ImpactAssessment)
		exec.Insights = append(exec.Insights, InsightPoint{
			Title:       "Market sentiment",
			Description: news.Summary,
			Importance:  importance(news.SentimentOverview["average"]*100, 30, 15),
		})
		slides = append(slides, Slide{
			Title:   "News and sentiment",
			Content: append([]string{news.Summary}, news.KeyThemes...),
			Notes:   news.ImpactAssessment,
		})
	} else if in.Request.IncludeNewsAnalysis == nil || *in.Request.IncludeNewsAnalysis {
		missing = append(missing, string(pipeline.KindNews))
	}

	if sim != nil {
		exec.KeyFindings = append(exec.KeyFindings, sim.ComparativeSummary)
		var content []string
		impacts := map[string]any{}
		for _, r := range sim.Scenarios {
			content = append(content, fmt.Sprintf("%s: %.1f%% revenue change, %.0f%% chance of loss",
				r.ScenarioName, r.PredictedImpact["revenue_change_percent"], r.RiskAssessment["probability_of_loss"]*100))
			impacts[r.ScenarioName] = r.PredictedImpact["revenue_change_percent"]
			exec.Recommendations = append(exec.Recommendations, r.Recommendations...)
		}
		slide := Slide{Title: "Scenario simulation", Content: content}
		if charts {
			slide.ChartData = map[string]any{"type": "bar", "values": impacts}
		}
		slides = append(slides, slide)
		exec.NextSteps = append(exec.NextSteps, fmt.Sprintf("Prepare an execution plan for %q", sim.BestScenario))
	} else if in.Request.IncludeSimulation == nil || *in.Request.IncludeSimulation {
		missing = append(missing, string(pipeline.KindSimulation))
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		exec.NextSteps = append(exec.NextSteps, "Re-run the analysis once the missing stages recover")
	}
	if len(exec.Recommendations) == 0 {
		exec.Recommendations = []string{"Monitor the category; no scenario analysis was available"}
	}
	exec.NextSteps = append(exec.NextSteps, "Review this analysis again in 30 days")
	slides = append(slides, Slide{Title: "Recommendations", Content: exec.Recommendations})

	if len(slides) > maxSlides {
		slides = slides[:maxSlides]
	}
	for i := range slides {
		slides[i].SlideNumber = i + 1
	}

	deck := Presentation{
		Title:         exec.Title,
		Slides:        slides,
		MissingInputs: missing,
	}
	if s.Bool("executive_summary", true) {
		deck.ExecutiveSummary = exec
	}
	progress(95, "presentation ready", "done")
	return encode(deck)
}

// importance grades a magnitude against high and medium thresholds.
func importance(v, high, medium float64) string {
	if v < 0 {
		v = -v
	}
	switch {
	case v >= high:
		return "high"
	case v >= medium:
		return "medium"
	}
	return "low"
}
