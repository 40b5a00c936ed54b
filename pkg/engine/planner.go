package engine

import (
	"fmt"
	"sort"
	"strings"
)

// PlanOverview summarizes an execution plan for inspection.
type PlanOverview struct {
	// Items is the number of plan items.
	Items int `json:"items"`

	// Edges is the number of in-plan connections.
	Edges int `json:"edges"`

	// Transformed is the number of in-plan connections carrying a
	// transformation.
	Transformed int `json:"transformed"`

	// ContentTypes counts transformations per content type tag.
	ContentTypes map[string]int `json:"content_types,omitempty"`

	// Depth is the longest dependency chain in the plan.
	Depth int `json:"depth"`
}

// OverviewOf computes summary statistics for a plan.
func OverviewOf(plan *ExecutionPlan) PlanOverview {
	overview := PlanOverview{
		Items:        len(plan.Items),
		ContentTypes: make(map[string]int),
	}

	depth := make(map[string]int, len(plan.Items))
	for _, item := range plan.Items {
		d := 1
		for _, conn := range item.Incoming {
			overview.Edges++
			if conn.Transformation != nil {
				overview.Transformed++
				overview.ContentTypes[conn.Transformation.ContentType]++
			}
			if depth[conn.SourceID] >= d {
				d = depth[conn.SourceID] + 1
			}
		}
		depth[item.WidgetID] = d
		if d > overview.Depth {
			overview.Depth = d
		}
	}

	if len(overview.ContentTypes) == 0 {
		overview.ContentTypes = nil
	}
	return overview
}

// ValidatePlan checks a plan for internal consistency: contiguous ordering,
// every producer placed before its consumers, and well-formed transformation
// descriptors on every in-plan edge.
func ValidatePlan(plan *ExecutionPlan) error {
	if plan == nil {
		return NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if len(plan.Items) == 0 {
		return NewPermanentError("plan has no items", nil).WithCode(ErrCodeValidation)
	}

	position := make(map[string]int, len(plan.Items))
	for i, item := range plan.Items {
		if item.Order != i {
			return NewPermanentError(
				fmt.Sprintf("plan item %s has order %d, expected %d", item.WidgetID, item.Order, i), nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := position[item.WidgetID]; dup {
			return NewPermanentError(
				fmt.Sprintf("widget %s appears twice in plan", item.WidgetID), nil).
				WithCode(ErrCodeValidation)
		}
		position[item.WidgetID] = i
	}

	if plan.Items[0].WidgetID != plan.RootID {
		return NewPermanentError(
			fmt.Sprintf("plan root %s is not the first item", plan.RootID), nil).
			WithCode(ErrCodeValidation)
	}

	for i, item := range plan.Items {
		for _, dep := range item.DependsOn {
			pos, ok := position[dep]
			if !ok {
				return NewPermanentError(
					fmt.Sprintf("item %s depends on %s, which is not in the plan", item.WidgetID, dep), nil).
					WithCode(ErrCodeValidation)
			}
			if pos >= i {
				return NewPermanentError(
					fmt.Sprintf("item %s is ordered before its producer %s", item.WidgetID, dep), nil).
					WithCode(ErrCodeValidation)
			}
		}
		for _, conn := range item.Incoming {
			if err := validatePlanEdge(item.WidgetID, conn); err != nil {
				return err
			}
		}
	}

	return nil
}

// validatePlanEdge checks one in-plan connection's transformation descriptor.
func validatePlanEdge(widgetID string, conn *Connection) error {
	if conn.TargetID != widgetID {
		return NewPermanentError(
			fmt.Sprintf("edge %s attached to %s targets %s", conn.ID, widgetID, conn.TargetID), nil).
			WithCode(ErrCodeValidation)
	}

	t := conn.Transformation
	if t == nil {
		return nil
	}

	if t.ContentType == "" {
		return NewPermanentError(
			fmt.Sprintf("edge %s transformation has no content type", conn.ID), nil).
			WithCode(ErrCodeValidation)
	}
	if err := t.ContentSource.Validate(); err != nil {
		return err
	}
	switch t.ContentSource {
	case ContentSourceInline:
		if t.SourceCode == "" {
			return NewPermanentError(
				fmt.Sprintf("edge %s has inline source with no content", conn.ID), nil).
				WithCode(ErrCodeValidation)
		}
	case ContentSourceURL:
		if t.SourceURL == "" {
			return NewPermanentError(
				fmt.Sprintf("edge %s has url source with no url", conn.ID), nil).
				WithCode(ErrCodeValidation)
		}
	case ContentSourceIRI:
		if t.IRI == "" && t.SourceURL == "" {
			return NewPermanentError(
				fmt.Sprintf("edge %s has iri source with no identifier", conn.ID), nil).
				WithCode(ErrCodeValidation)
		}
	}
	if t.Execution.Timeout < 0 {
		return NewPermanentError(
			fmt.Sprintf("edge %s has negative timeout", conn.ID), nil).
			WithCode(ErrCodeValidation)
	}
	if t.Execution.MemoryLimitBytes < 0 {
		return NewPermanentError(
			fmt.Sprintf("edge %s has negative memory limit", conn.ID), nil).
			WithCode(ErrCodeValidation)
	}

	return nil
}

// FormatPlan renders a plan as indented text for the CLI.
func FormatPlan(plan *ExecutionPlan) string {
	var sb strings.Builder

	overview := OverviewOf(plan)
	sb.WriteString(fmt.Sprintf("Plan for %s: %d widgets, %d edges (%d transformed), depth %d\n",
		plan.RootID, overview.Items, overview.Edges, overview.Transformed, overview.Depth))

	for _, item := range plan.Items {
		sb.WriteString(fmt.Sprintf("  %2d. %s", item.Order+1, item.WidgetID))
		if len(item.DependsOn) > 0 {
			deps := append([]string(nil), item.DependsOn...)
			sort.Strings(deps)
			sb.WriteString(fmt.Sprintf("  (after %s)", strings.Join(deps, ", ")))
		}
		sb.WriteString("\n")
		for _, conn := range item.Incoming {
			sb.WriteString(fmt.Sprintf("        <- %s.%s -> %s",
				conn.SourceID, conn.SourceSlot, conn.TargetSlot))
			if conn.Transformation != nil {
				sb.WriteString(fmt.Sprintf("  [%s/%s]",
					conn.Transformation.ContentType, conn.Transformation.ContentSource))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}
