package pipeline

import (
	"slices"
	"time"
)

// Settings is the resolved configuration of one stage. A workflow receives
// its own copy at admission and never sees later changes.
type Settings struct {
	Timeout      time.Duration  `json:"timeout"`
	MaxRetries   int            `json:"max_retries"`
	RetryDelay   time.Duration  `json:"retry_delay"`
	CacheEnabled bool           `json:"cache_enabled"`
	CacheTTL     time.Duration  `json:"cache_ttl"`
	Required     bool           `json:"required"`
	Params       map[string]any `json:"params,omitempty"`
}

// DefaultSettings mirrors the platform defaults: five minute timeout, three
// retries one second apart, one hour cache and every stage required.
func DefaultSettings() Settings {
	return Settings{
		Timeout:      300 * time.Second,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		CacheEnabled: true,
		CacheTTL:     time.Hour,
		Required:     true,
	}
}

// DefaultParams returns the kind-specific parameters used when the
// configuration supplies none.
func DefaultParams(k Kind) map[string]any {
	switch k {
	case KindForecasting:
		return map[string]any{
			"model_type":        "timegpt-1",
			"confidence_level":  0.95,
			"max_forecast_days": 365,
		}
	case KindNews:
		return map[string]any{
			"max_articles":  50,
			"sources":       []string{"reuters", "bloomberg", "wsj", "financial-times"},
			"min_relevance": 0.5,
		}
	case KindSimulation:
		return map[string]any{
			"iterations":       1000,
			"confidence_level": 0.95,
			"max_scenarios":    10,
		}
	case KindSummary:
		return map[string]any{
			"max_slides":        20,
			"include_charts":    true,
			"executive_summary": true,
		}
	}
	return map[string]any{}
}

// Clone returns a copy whose Params share no maps or slices with s.
func (s Settings) Clone() Settings {
	if s.Params != nil {
		s.Params = cloneParams(s.Params)
	}
	return s
}

func cloneParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneParams(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(v)
	case []int:
		return slices.Clone(v)
	case []float64:
		return slices.Clone(v)
	}
	return v
}

// Int reads an integer parameter, accepting the float64 values JSON decoding produces.
func (s Settings) Int(key string, def int) int {
	switch v := s.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Float reads a numeric parameter.
func (s Settings) Float(key string, def float64) float64 {
	switch v := s.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Bool reads a boolean parameter.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s.Params[key].(bool); ok {
		return v
	}
	return def
}

// String reads a string parameter.
func (s Settings) String(key, def string) string {
	if v, ok := s.Params[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Strings reads a list-of-strings parameter.
func (s Settings) Strings(key string) []string {
	switch v := s.Params[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// SettingsTable maps each stage to its resolved settings.
type SettingsTable map[Kind]Settings

// DefaultSettingsTable resolves DefaultSettings and DefaultParams for every kind.
func DefaultSettingsTable() SettingsTable {
	t := make(SettingsTable, len(Kinds))
	for _, k := range Kinds {
		s := DefaultSettings()
		s.Params = DefaultParams(k)
		t[k] = s
	}
	return t
}

// Get returns a private copy of the settings for k, falling back to the
// defaults for kinds the table does not mention.
func (t SettingsTable) Get(k Kind) Settings {
	if s, ok := t[k]; ok {
		return s.Clone()
	}
	s := DefaultSettings()
	s.Params = DefaultParams(k)
	return s
}

// Clone copies the table so the result can be frozen into a workflow.
func (t SettingsTable) Clone() SettingsTable {
	out := make(SettingsTable, len(Kinds))
	for _, k := range Kinds {
		out[k] = t.Get(k)
	}
	return out
}

// Required lists the stages whose failure fails the workflow.
func (t SettingsTable) Required() []Kind {
	var out []Kind
	for _, k := range Kinds {
		if t.Get(k).Required {
			out = append(out, k)
		}
	}
	return out
}
