package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
	"go.uber.org/zap"
)

var newsThemes = []string{
	"supply chain disruption",
	"input cost inflation",
	"consumer demand shift",
	"regulatory change",
	"weather and harvest",
	"retail promotions",
	"import and export policy",
	"logistics capacity",
}

// News assembles coverage of the product category from the configured
// sources and scores its relevance and sentiment.
type News struct{ base }

func NewNews(logger *zap.Logger, opts ...Option) *News {
	return &News{base: newBase(pipeline.KindNews, logger, opts)}
}

func (a *News) Kind() pipeline.Kind { return pipeline.KindNews }

// Validate requires at least one source.
func (a *News) Validate(_ pipeline.Input, s pipeline.Settings) error {
	if len(s.Strings("sources")) == 0 {
		return fmt.Errorf("no news sources configured")
	}
	if n := s.Int("max_articles", 50); n < 1 || n > 100 {
		return fmt.Errorf("max_articles %d outside 1..100", n)
	}
	return nil
}

func (a *News) Execute(ctx context.Context, in pipeline.Input, s pipeline.Settings, progress pipeline.ProgressFunc) (json.RawMessage, error) {
	category := in.Request.ProductCategory
	sources := s.Strings("sources")
	maxArticles := s.Int("max_articles", 50)
	minRelevance := s.Float("min_relevance", 0.5)
	rng := seeded("news", category)
	now := a.now().UTC()

	themes := slices.Clone(newsThemes)
	rng.Shuffle(len(themes), func(i, j int) { themes[i], themes[j] = themes[j], themes[i] })
	themes = themes[:3]

	var articles []NewsArticle
	for i, src := range sources {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}
		progress(float64(i)/float64(len(sources))*70, fmt.Sprintf("scanning %s", src), "retrieve")
		for j, theme := range themes {
			if len(articles) >= maxArticles {
				break
			}
			relevance := round(0.3+rng.Float64()*0.7, 3)
			if relevance < minRelevance {
				continue
			}
			articles = append(articles, NewsArticle{
				Title:          fmt.Sprintf("%s: %s outlook", capitalize(theme), category),
				Content:        fmt.Sprintf("%s coverage of %s for %s markets.", src, theme, category),
				Source:         src,
				PublishedAt:    now.Add(-time.Duration(i*len(themes)+j+1) * 6 * time.Hour),
				RelevanceScore: relevance,
				SentimentScore: round(rng.Float64()*1.2-0.6, 3),
				Keywords:       []string{category, theme},
				Category:       category,
			})
		}
	}

	progress(80, "scoring sentiment", "analyze")
	overview := map[string]float64{"positive": 0, "neutral": 0, "negative": 0, "average": 0}
	var total float64
	for _, art := range articles {
		total += art.SentimentScore
		switch {
		case art.SentimentScore > 0.15:
			overview["positive"]++
		case art.SentimentScore < -0.15:
			overview["negative"]++
		default:
			overview["neutral"]++
		}
	}
	if len(articles) > 0 {
		overview["average"] = round(total/float64(len(articles)), 3)
	}

	impact := "neutral outlook; no dominant sentiment"
	switch avg := overview["average"]; {
	case len(articles) == 0:
		impact = "insufficient coverage to assess impact"
	case avg > 0.15:
		impact = "favorable coverage likely to support demand"
	case avg < -0.15:
		impact = "negative coverage signals downside risk"
	}

	result := NewsAnalysis{
		Articles:          articles,
		Summary:           fmt.Sprintf("%d relevant articles on %s across %d sources; leading themes: %s.", len(articles), category, len(sources), strings.Join(themes, ", ")),
		KeyThemes:         themes,
		SentimentOverview: overview,
		ImpactAssessment:  impact,
		GeneratedAt:       now,
	}
	progress(95, "news analysis ready", "done")
	return encode(result)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
