package agent

import (
	"math"
	"sort"

	"github.com/sentiwiki/agent/internal/retrieval"
)

const maxHeadingsPerSource = 5

// formatSources turns the accepted candidates into the citation list of the
// final answer. Chunks are grouped by document title; each document keeps its
// best-scoring chunk's percentage and URL plus the distinct section headings
// that contributed. Scores are reported relative to the best candidate, so
// the top source is always 100%. With the floor enabled, chunks scoring under
// FloorPct percent of the maximum are not cited at all.
func formatSources(candidates []retrieval.Candidate, opts retrieval.Options) []Source {
	if len(candidates) == 0 {
		return nil
	}

	var max float32
	for _, c := range candidates {
		if s := c.BestScore(); s > max {
			max = s
		}
	}
	if max <= 0 {
		return nil
	}

	type group struct {
		source   *Source
		headings map[string]bool
	}
	groups := make(map[string]*group)
	var order []string

	for _, c := range candidates {
		pct := roundPct(100 * c.BestScore() / max)
		if opts.FloorEnabled && pct < opts.FloorPct {
			continue
		}

		title := c.Title
		if title == "" {
			title = c.URL
		}
		if title == "" {
			title = c.ChunkID
		}

		heading := retrieval.JoinHeadingPath(c.HeadingPath)

		g, ok := groups[title]
		if !ok {
			g = &group{
				source: &Source{
					Title:           title,
					URL:             c.URL,
					Heading:         heading,
					ScorePercentage: pct,
				},
				headings: make(map[string]bool),
			}
			groups[title] = g
			order = append(order, title)
		}
		if pct > g.source.ScorePercentage {
			g.source.ScorePercentage = pct
			g.source.Heading = heading
			if c.URL != "" {
				g.source.URL = c.URL
			}
		}
		if heading != "" && !g.headings[heading] && len(g.source.Headings) < maxHeadingsPerSource {
			g.headings[heading] = true
			g.source.Headings = append(g.source.Headings, heading)
		}
	}

	sources := make([]Source, 0, len(order))
	for _, title := range order {
		sources = append(sources, *groups[title].source)
	}

	// Candidates arrive ranked, but a later chunk can raise its group's best
	// score, so re-sort by percentage.
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].ScorePercentage > sources[j].ScorePercentage
	})

	return sources
}

func roundPct(p float32) float32 {
	return float32(math.Round(float64(p)*10) / 10)
}
