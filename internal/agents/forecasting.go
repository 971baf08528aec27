package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
	"go.uber.org/zap"
)

const historyDays = 90

// Forecasting fits a linear trend to a synthetic daily history of the
// product category and projects it over the requested horizon.
type Forecasting struct{ base }

func NewForecasting(logger *zap.Logger, opts ...Option) *Forecasting {
	return &Forecasting{base: newBase(pipeline.KindForecasting, logger, opts)}
}

func (a *Forecasting) Kind() pipeline.Kind { return pipeline.KindForecasting }

// Validate rejects horizons beyond the configured maximum.
func (a *Forecasting) Validate(in pipeline.Input, s pipeline.Settings) error {
	limit := s.Int("max_forecast_days", 365)
	if h := in.Request.ForecastHorizon; h <= 0 || h > limit {
		return fmt.Errorf("forecast horizon %d outside 1..%d", h, limit)
	}
	conf := s.Float("confidence_level", 0.95)
	if conf < 0.5 || conf > 0.99 {
		return fmt.Errorf("confidence level %.2f outside 0.50..0.99", conf)
	}
	return nil
}

func (a *Forecasting) Execute(ctx context.Context, in pipeline.Input, s pipeline.Settings, progress pipeline.ProgressFunc) (json.RawMessage, error) {
	req := in.Request
	conf := s.Float("confidence_level", 0.95)
	today := a.now().UTC().Truncate(24 * time.Hour)

	progress(5, "loading historical series", "load")
	rng := seeded("forecasting", req.ProductCategory)
	level := 40 + rng.Float64()*60
	drift := (rng.Float64() - 0.4) * 0.3
	history := make([]float64, historyDays)
	for i := range history {
		season := math.Sin(2*math.Pi*float64(i)/30) * level * 0.03
		history[i] = level + drift*float64(i) + season + rng.NormFloat64()*level*0.02
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	progress(30, "fitting trend model", "fit")
	slope, intercept := fitLine(history)
	var sse float64
	residuals := make([]float64, len(history))
	for i, v := range history {
		residuals[i] = v - (intercept + slope*float64(i))
		sse += residuals[i] * residuals[i]
	}
	sigma := math.Sqrt(sse / float64(len(history)-2))
	var sumPct float64
	for i, v := range history {
		sumPct += math.Abs(residuals[i] / v)
	}
	mape := sumPct / float64(len(history)) * 100

	var anomalies []Anomaly
	for i, r := range residuals {
		if z := r / sigma; math.Abs(z) > 2.5 {
			anomalies = append(anomalies, Anomaly{
				Date:     today.AddDate(0, 0, i-historyDays).Format("2006-01-02"),
				Value:    round(history[i], 2),
				Expected: round(history[i]-r, 2),
				ZScore:   round(z, 2),
			})
		}
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	progress(60, "projecting forecast", "forecast")
	z := zScore(conf)
	points := make([]ForecastPoint, req.ForecastHorizon)
	for i := range points {
		x := float64(historyDays + i)
		pred := intercept + slope*x
		// Uncertainty widens with distance from the observed window.
		band := z * sigma * math.Sqrt(1+float64(i+1)/historyDays)
		points[i] = ForecastPoint{
			Date:           today.AddDate(0, 0, i+1).Format("2006-01-02"),
			PredictedValue: round(pred, 2),
			LowerBound:     round(pred-band, 2),
			UpperBound:     round(pred+band, 2),
			Confidence:     conf,
		}
		if i%32 == 0 {
			if err := checkpoint(ctx); err != nil {
				return nil, err
			}
		}
	}

	last := history[len(history)-1]
	end := points[len(points)-1].PredictedValue
	direction := "stable"
	switch change := (end - last) / last; {
	case change > 0.02:
		direction = "increasing"
	case change < -0.02:
		direction = "decreasing"
	}

	result := ForecastResult{
		ProductCategory: req.ProductCategory,
		ModelType:       s.String("model_type", "linear-trend"),
		ForecastPoints:  points,
		ModelMetrics: map[string]float64{
			"mape":  round(mape, 3),
			"rmse":  round(sigma, 3),
			"slope": round(slope, 4),
		},
		TrendAnalysis: TrendAnalysis{
			Direction:     direction,
			SlopePerDay:   round(slope, 4),
			ChangePercent: round((end-last)/last*100, 2),
			LastObserved:  round(last, 2),
		},
		Anomalies:   anomalies,
		GeneratedAt: a.now().UTC(),
	}
	progress(95, "forecast ready", "done")
	a.logger.Debug("forecast generated",
		zap.String("product_category", req.ProductCategory),
		zap.Int("points", len(points)),
		zap.String("direction", direction))
	return encode(result)
}

// fitLine is ordinary least squares over x = 0..n-1.
func fitLine(ys []float64) (slope, intercept float64) {
	n := float64(len(ys))
	var sx, sy, sxx, sxy float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n
	return slope, intercept
}

// zScore approximates the two-sided normal quantile for a confidence level.
func zScore(conf float64) float64 {
	table := []struct{ conf, z float64 }{
		{0.50, 0.674}, {0.80, 1.282}, {0.90, 1.645}, {0.95, 1.960}, {0.98, 2.326}, {0.99, 2.576},
	}
	if conf <= table[0].conf {
		return table[0].z
	}
	for i := 1; i < len(table); i++ {
		if conf <= table[i].conf {
			lo, hi := table[i-1], table[i]
			t := (conf - lo.conf) / (hi.conf - lo.conf)
			return lo.z + t*(hi.z-lo.z)
		}
	}
	return table[len(table)-1].z
}
