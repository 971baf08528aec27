package orchestrator

import (
	"slices"

	"github.com/nidhogg/synergy/internal/pipeline"
)

// dependsOn is the stage graph. Summary waits on every other stage that
// was planned for the workflow.
var dependsOn = map[pipeline.Kind][]pipeline.Kind{
	pipeline.KindForecasting: nil,
	pipeline.KindNews:        nil,
	pipeline.KindSimulation:  {pipeline.KindForecasting},
	pipeline.KindSummary:     {pipeline.KindForecasting, pipeline.KindNews, pipeline.KindSimulation},
}

// stageWeight is each stage's share of workflow progress before
// renormalizing over the planned stages.
var stageWeight = map[pipeline.Kind]float64{
	pipeline.KindForecasting: 35,
	pipeline.KindNews:        20,
	pipeline.KindSimulation:  25,
	pipeline.KindSummary:     20,
}

// predecessors returns the planned stages k must wait for.
func predecessors(k pipeline.Kind, planned []pipeline.Kind) []pipeline.Kind {
	var out []pipeline.Kind
	for _, d := range dependsOn[k] {
		if slices.Contains(planned, d) {
			out = append(out, d)
		}
	}
	return out
}

// ready lists the planned stages, in slot order, that have not started and
// whose planned predecessors have all settled.
func ready(planned []pipeline.Kind, started, settled map[pipeline.Kind]bool) []pipeline.Kind {
	var out []pipeline.Kind
	for _, k := range pipeline.Kinds {
		if !slices.Contains(planned, k) || started[k] {
			continue
		}
		ok := true
		for _, d := range predecessors(k, planned) {
			if !settled[d] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, k)
		}
	}
	return out
}

// weights renormalizes stageWeight over the planned stages so they sum to one.
func weights(planned []pipeline.Kind) [4]float64 {
	var (
		w     [4]float64
		total float64
	)
	for _, k := range planned {
		total += stageWeight[k]
	}
	if total == 0 {
		return w
	}
	for _, k := range planned {
		w[k.Slot()] = stageWeight[k] / total
	}
	return w
}
