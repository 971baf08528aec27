package workflow

import (
	"encoding/json"
	"slices"

	"github.com/nidhogg/synergy/internal/pipeline"
)

// Report is the composite result assembled from whichever stages completed.
type Report struct {
	Forecasting  json.RawMessage `json:"forecasting_result,omitempty"`
	News         json.RawMessage `json:"news_analysis,omitempty"`
	Simulation   json.RawMessage `json:"simulation_analysis,omitempty"`
	Presentation json.RawMessage `json:"presentation,omitempty"`
	// Missing lists planned stages that produced no payload.
	Missing []pipeline.Kind `json:"missing_stages"`
	// Skipped lists stages the request opted out of.
	Skipped  []pipeline.Kind `json:"skipped_stages,omitempty"`
	Degraded bool            `json:"degraded"`
}

// BuildReport aggregates results deterministically in slot order.
func BuildReport(results []pipeline.Result, planned []pipeline.Kind) Report {
	var payloads [4]json.RawMessage
	for _, r := range results {
		if slot := r.Kind.Slot(); slot >= 0 && r.Succeeded() {
			payloads[slot] = r.Payload
		}
	}

	rep := Report{
		Forecasting:  payloads[pipeline.KindForecasting.Slot()],
		News:         payloads[pipeline.KindNews.Slot()],
		Simulation:   payloads[pipeline.KindSimulation.Slot()],
		Presentation: payloads[pipeline.KindSummary.Slot()],
		Missing:      []pipeline.Kind{},
	}
	for _, k := range pipeline.Kinds {
		switch {
		case !slices.Contains(planned, k):
			rep.Skipped = append(rep.Skipped, k)
		case payloads[k.Slot()] == nil:
			rep.Missing = append(rep.Missing, k)
		}
	}
	rep.Degraded = len(rep.Missing) > 0
	return rep
}

// Has reports whether k contributed a payload.
func (r Report) Has(k pipeline.Kind) bool {
	switch k {
	case pipeline.KindForecasting:
		return r.Forecasting != nil
	case pipeline.KindNews:
		return r.News != nil
	case pipeline.KindSimulation:
		return r.Simulation != nil
	case pipeline.KindSummary:
		return r.Presentation != nil
	}
	return false
}
