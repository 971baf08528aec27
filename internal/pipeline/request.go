package pipeline

import "strings"

const (
	defaultForecastHorizon = 30
	minForecastHorizon     = 7
	maxForecastHorizon     = 365
)

// AnalysisRequest is the input of a workflow.
type AnalysisRequest struct {
	ProductCategory     string         `json:"product_category"`
	DataFiles           []string       `json:"data_files,omitempty"`
	ForecastHorizon     int            `json:"forecast_horizon"`
	IncludeNewsAnalysis *bool          `json:"include_news_analysis,omitempty"`
	IncludeSimulation   *bool          `json:"include_simulation,omitempty"`
	SimulationScenarios []string       `json:"simulation_scenarios,omitempty"`
	UserPreferences     map[string]any `json:"user_preferences,omitempty"`
}

// Normalize fills defaults. It returns a copy and leaves r untouched.
func (r AnalysisRequest) Normalize() AnalysisRequest {
	r.ProductCategory = strings.TrimSpace(r.ProductCategory)
	if r.ForecastHorizon == 0 {
		r.ForecastHorizon = defaultForecastHorizon
	}
	if r.IncludeNewsAnalysis == nil {
		t := true
		r.IncludeNewsAnalysis = &t
	}
	if r.IncludeSimulation == nil {
		t := true
		r.IncludeSimulation = &t
	}
	return r
}

// Validate reports every problem with the request at once.
func (r AnalysisRequest) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(r.ProductCategory) == "" {
		verr.add("product_category is required")
	}
	if r.ForecastHorizon < minForecastHorizon || r.ForecastHorizon > maxForecastHorizon {
		verr.add("forecast_horizon must be between %d and %d, got %d",
			minForecastHorizon, maxForecastHorizon, r.ForecastHorizon)
	}
	for i, s := range r.SimulationScenarios {
		if strings.TrimSpace(s) == "" {
			verr.add("simulation_scenarios[%d] is empty", i)
		}
	}
	return verr.orNil()
}

// Planned returns the stages this request asks for, in slot order.
// Forecasting and summary always run.
func (r AnalysisRequest) Planned() []Kind {
	r = r.Normalize()
	out := []Kind{KindForecasting}
	if *r.IncludeNewsAnalysis {
		out = append(out, KindNews)
	}
	if *r.IncludeSimulation {
		out = append(out, KindSimulation)
	}
	return append(out, KindSummary)
}
