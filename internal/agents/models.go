package agents

import "time"

// ForecastPoint is one predicted period.
type ForecastPoint struct {
	Date           string  `json:"date"`
	PredictedValue float64 `json:"predicted_value"`
	LowerBound     float64 `json:"lower_bound"`
	UpperBound     float64 `json:"upper_bound"`
	Confidence     float64 `json:"confidence"`
	IsAnomaly      bool    `json:"is_anomaly"`
}

// Anomaly marks a historical observation far from the fitted trend.
type Anomaly struct {
	Date     string  `json:"date"`
	Value    float64 `json:"value"`
	Expected float64 `json:"expected"`
	ZScore   float64 `json:"z_score"`
}

// ForecastResult is the forecasting stage payload.
type ForecastResult struct {
	ProductCategory string             `json:"product_category"`
	ModelType       string             `json:"model_type"`
	ForecastPoints  []ForecastPoint    `json:"forecast_points"`
	ModelMetrics    map[string]float64 `json:"model_metrics"`
	TrendAnalysis   TrendAnalysis      `json:"trend_analysis"`
	Anomalies       []Anomaly          `json:"anomalies"`
	GeneratedAt     time.Time          `json:"generated_at"`
}

// TrendAnalysis summarizes the fitted trend.
type TrendAnalysis struct {
	Direction     string  `json:"direction"`
	SlopePerDay   float64 `json:"slope_per_day"`
	ChangePercent float64 `json:"change_percent"`
	LastObserved  float64 `json:"last_observed"`
}

// MeanForecast averages the predicted values.
func (f ForecastResult) MeanForecast() float64 {
	if len(f.ForecastPoints) == 0 {
		return 0
	}
	var sum float64
	for _, p := range f.ForecastPoints {
		sum += p.PredictedValue
	}
	return sum / float64(len(f.ForecastPoints))
}

// NewsArticle is one piece of coverage.
type NewsArticle struct {
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Source         string    `json:"source"`
	PublishedAt    time.Time `json:"published_at"`
	RelevanceScore float64   `json:"relevance_score"`
	SentimentScore float64   `json:"sentiment_score"`
	Keywords       []string  `json:"keywords"`
	Category       string    `json:"category"`
}

// NewsAnalysis is the news stage payload.
type NewsAnalysis struct {
	Articles          []NewsArticle      `json:"articles"`
	Summary           string             `json:"summary"`
	KeyThemes         []string           `json:"key_themes"`
	SentimentOverview map[string]float64 `json:"sentiment_overview"`
	ImpactAssessment  string             `json:"impact_assessment"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// Interval is a two-sided bound.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// SimulationResult is one scenario's outcome.
type SimulationResult struct {
	ScenarioName        string              `json:"scenario_name"`
	PredictedImpact     map[string]float64  `json:"predicted_impact"`
	ConfidenceIntervals map[string]Interval `json:"confidence_intervals"`
	RiskAssessment      map[string]float64  `json:"risk_assessment"`
	Recommendations     []string            `json:"recommendations"`
}

// SimulationAnalysis is the simulation stage payload.
type SimulationAnalysis struct {
	Scenarios          []SimulationResult `json:"scenarios"`
	BestScenario       string             `json:"best_scenario"`
	WorstScenario      string             `json:"worst_scenario"`
	Iterations         int                `json:"iterations"`
	BaselineValue      float64            `json:"baseline_value"`
	ComparativeSummary string             `json:"comparative_analysis"`
	GeneratedAt        time.Time          `json:"generated_at"`
}

// InsightPoint is one finding of the executive summary.
type InsightPoint struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Importance  string   `json:"importance"`
	ActionItems []string `json:"action_items,omitempty"`
}

// ExecutiveSummary condenses every upstream stage.
type ExecutiveSummary struct {
	Title           string         `json:"title"`
	KeyFindings     []string       `json:"key_findings"`
	Insights        []InsightPoint `json:"insights"`
	Recommendations []string       `json:"recommendations"`
	NextSteps       []string       `json:"next_steps"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// Slide is one page of the presentation.
type Slide struct {
	SlideNumber int            `json:"slide_number"`
	Title       string         `json:"title"`
	Content     []string       `json:"content"`
	ChartData   map[string]any `json:"chart_data,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}

// Presentation is the summary stage payload.
type Presentation struct {
	Title            string            `json:"title"`
	Slides           []Slide           `json:"slides"`
	ExecutiveSummary *ExecutiveSummary `json:"executive_summary,omitempty"`
	MissingInputs    []string          `json:"missing_inputs,omitempty"`
}
