package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slateboard/slateboard/pkg/provenance"
)

// BoardInspector summarizes a board and its recorded history.
type BoardInspector struct {
	graph *Graph
	store provenance.Store
}

// BoardSummary describes the shape of a board.
type BoardSummary struct {
	WidgetCount  int            `json:"widget_count"`
	EdgeCount    int            `json:"edge_count"`
	CountsBySlug map[string]int `json:"counts_by_slug"`
	ContentTypes []string       `json:"content_types,omitempty"`
	Roots        []string       `json:"roots,omitempty"`
	Leaves       []string       `json:"leaves,omitempty"`
	MaxDepth     int            `json:"max_depth"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// WidgetHistory describes the recorded activity of one widget.
type WidgetHistory struct {
	WidgetID   string                 `json:"widget_id"`
	Total      int64                  `json:"total"`
	Activities []*provenance.Activity `json:"activities"`
}

// NewBoardInspector creates an inspector over a graph. The store may be
// nil when no provenance is configured.
func NewBoardInspector(graph *Graph, store provenance.Store) *BoardInspector {
	return &BoardInspector{
		graph: graph,
		store: store,
	}
}

// Summarize builds a structural summary of the board.
func (b *BoardInspector) Summarize() *BoardSummary {
	widgets := b.graph.ListWidgets()
	edges := b.graph.ListEdges()

	summary := &BoardSummary{
		WidgetCount:  len(widgets),
		EdgeCount:    len(edges),
		CountsBySlug: make(map[string]int),
		GeneratedAt:  time.Now(),
	}

	for _, w := range widgets {
		summary.CountsBySlug[w.Slug]++
	}

	// Collect the distinct transformation content types in use.
	typeSet := make(map[string]bool)
	hasIncoming := make(map[string]bool)
	hasOutgoing := make(map[string]bool)
	for _, e := range edges {
		hasIncoming[e.TargetID] = true
		hasOutgoing[e.SourceID] = true
		if e.Transformation != nil && e.Transformation.ContentType != "" {
			typeSet[e.Transformation.ContentType] = true
		}
	}
	for ct := range typeSet {
		summary.ContentTypes = append(summary.ContentTypes, ct)
	}
	sort.Strings(summary.ContentTypes)

	for _, w := range widgets {
		if !hasIncoming[w.ID] {
			summary.Roots = append(summary.Roots, w.ID)
		}
		if !hasOutgoing[w.ID] {
			summary.Leaves = append(summary.Leaves, w.ID)
		}
	}
	sort.Strings(summary.Roots)
	sort.Strings(summary.Leaves)

	summary.MaxDepth = maxDepth(widgets, edges)

	return summary
}

// History returns the recorded activities for a widget, newest first. A
// zero since or until leaves that bound open.
func (b *BoardInspector) History(ctx context.Context, widgetID string, since, until time.Time, limit, offset int) (*WidgetHistory, error) {
	if b.store == nil {
		return &WidgetHistory{WidgetID: widgetID}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	subject := &widgetID
	var sincePtr, untilPtr *time.Time
	if !since.IsZero() {
		sincePtr = &since
	}
	if !until.IsZero() {
		untilPtr = &until
	}

	activities, err := b.store.ListActivities(ctx, subject, nil, sincePtr, untilPtr, limit, offset)
	if err != nil {
		return nil, err
	}

	total, err := b.store.CountActivities(ctx, subject)
	if err != nil {
		log.Warn().Err(err).Str("widget_id", widgetID).Msg("Failed to count activities")
		total = int64(len(activities))
	}

	return &WidgetHistory{
		WidgetID:   widgetID,
		Total:      total,
		Activities: activities,
	}, nil
}

// maxDepth computes the longest edge chain in the board. The graph is
// acyclic by construction, so a relaxation pass per widget terminates.
func maxDepth(widgets []*Widget, edges []*Connection) int {
	incoming := make(map[string][]string)
	for _, e := range edges {
		incoming[e.TargetID] = append(incoming[e.TargetID], e.SourceID)
	}

	depths := make(map[string]int)
	var depthOf func(id string, seen map[string]bool) int
	depthOf = func(id string, seen map[string]bool) int {
		if d, ok := depths[id]; ok {
			return d
		}
		if seen[id] {
			return 0
		}
		seen[id] = true
		best := 0
		for _, src := range incoming[id] {
			if d := depthOf(src, seen) + 1; d > best {
				best = d
			}
		}
		delete(seen, id)
		depths[id] = best
		return best
	}

	max := 0
	for _, w := range widgets {
		if d := depthOf(w.ID, make(map[string]bool)); d > max {
			max = d
		}
	}
	return max
}
