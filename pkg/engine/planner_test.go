package engine

import (
	"strings"
	"testing"
	"time"
)

// diamondPlan builds a fresh board with a -> b,c -> d, one transformed edge,
// and returns its plan.
func diamondPlan(t *testing.T) (*Graph, *ExecutionPlan) {
	t.Helper()

	g := newTestGraph(t)
	a := addWidget(t, g, "sticky-note")
	b := addWidget(t, g, "sticky-note")
	c := addWidget(t, g, "sticky-note")
	d := addWidget(t, g, "sticky-note")

	if _, err := g.AddEdge(a.ID, "out", b.ID, "in", &Transformation{
		ContentType:   "starlark",
		ContentSource: ContentSourceInline,
		SourceCode:    "def transform(data): return data",
	}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	addEdge(t, g, a.ID, c.ID)
	addEdge(t, g, b.ID, d.ID)
	addEdge(t, g, c.ID, d.ID)

	plan, err := g.PlanFrom(a.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return g, plan
}

func TestValidatePlan_AcceptsPlannerOutput(t *testing.T) {
	_, plan := diamondPlan(t)

	if err := ValidatePlan(plan); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestValidatePlan_NilAndEmpty(t *testing.T) {
	if err := ValidatePlan(nil); err == nil {
		t.Error("Expected error for nil plan, got nil")
	}
	if err := ValidatePlan(&ExecutionPlan{RootID: "a-1"}); err == nil {
		t.Error("Expected error for empty plan, got nil")
	}
}

func TestValidatePlan_OrderMismatch(t *testing.T) {
	_, plan := diamondPlan(t)
	plan.Items[1].Order = 5

	err := ValidatePlan(plan)
	if err == nil || !strings.Contains(err.Error(), "order") {
		t.Errorf("Expected order error, got: %v", err)
	}
}

func TestValidatePlan_DuplicateWidget(t *testing.T) {
	_, plan := diamondPlan(t)
	plan.Items = append(plan.Items, &PlanItem{
		WidgetID: plan.Items[1].WidgetID,
		Order:    len(plan.Items),
	})

	err := ValidatePlan(plan)
	if err == nil || !strings.Contains(err.Error(), "twice") {
		t.Errorf("Expected duplicate error, got: %v", err)
	}
}

func TestValidatePlan_RootNotFirst(t *testing.T) {
	_, plan := diamondPlan(t)
	plan.Items[0], plan.Items[1] = plan.Items[1], plan.Items[0]
	plan.Items[0].Order = 0
	plan.Items[1].Order = 1

	err := ValidatePlan(plan)
	if err == nil || !strings.Contains(err.Error(), "root") {
		t.Errorf("Expected root error, got: %v", err)
	}
}

func TestValidatePlan_MissingProducer(t *testing.T) {
	_, plan := diamondPlan(t)

	// Drop the second item; its dependents still name it.
	plan.Items = append(plan.Items[:1], plan.Items[2:]...)
	for i, item := range plan.Items {
		item.Order = i
	}

	err := ValidatePlan(plan)
	if err == nil || !strings.Contains(err.Error(), "not in the plan") {
		t.Errorf("Expected missing producer error, got: %v", err)
	}
}

func TestValidatePlan_ConsumerBeforeProducer(t *testing.T) {
	_, plan := diamondPlan(t)

	// Move the sink directly after the root.
	last := len(plan.Items) - 1
	sink := plan.Items[last]
	copy(plan.Items[2:], plan.Items[1:last])
	plan.Items[1] = sink
	for i, item := range plan.Items {
		item.Order = i
	}

	err := ValidatePlan(plan)
	if err == nil || !strings.Contains(err.Error(), "before its producer") {
		t.Errorf("Expected ordering error, got: %v", err)
	}
}

func TestValidatePlan_EdgeTargetsWrongWidget(t *testing.T) {
	_, plan := diamondPlan(t)
	plan.Items[1].Incoming[0].TargetID = "chart-99"

	err := ValidatePlan(plan)
	if err == nil || !strings.Contains(err.Error(), "targets") {
		t.Errorf("Expected target error, got: %v", err)
	}
}

func TestValidatePlan_TransformationDescriptors(t *testing.T) {
	cases := []struct {
		name string
		tr   Transformation
	}{
		{"missing content type", Transformation{
			ContentSource: ContentSourceInline,
			SourceCode:    "def transform(data): return data",
		}},
		{"invalid source", Transformation{
			ContentType:   "starlark",
			ContentSource: ContentSource("carrier-pigeon"),
		}},
		{"inline without code", Transformation{
			ContentType:   "starlark",
			ContentSource: ContentSourceInline,
		}},
		{"url without url", Transformation{
			ContentType:   "starlark",
			ContentSource: ContentSourceURL,
		}},
		{"iri without identifier", Transformation{
			ContentType:   "starlark",
			ContentSource: ContentSourceIRI,
		}},
		{"negative timeout", Transformation{
			ContentType:   "starlark",
			ContentSource: ContentSourceInline,
			SourceCode:    "def transform(data): return data",
			Execution:     ExecutionSpec{Timeout: -time.Second},
		}},
		{"negative memory limit", Transformation{
			ContentType:   "starlark",
			ContentSource: ContentSourceInline,
			SourceCode:    "def transform(data): return data",
			Execution:     ExecutionSpec{MemoryLimitBytes: -1},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, plan := diamondPlan(t)
			tr := tc.tr
			plan.Items[1].Incoming[0].Transformation = &tr

			if err := ValidatePlan(plan); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestOverviewOf_Diamond(t *testing.T) {
	_, plan := diamondPlan(t)

	overview := OverviewOf(plan)
	if overview.Items != 4 {
		t.Errorf("Expected 4 items, got %d", overview.Items)
	}
	if overview.Edges != 4 {
		t.Errorf("Expected 4 edges, got %d", overview.Edges)
	}
	if overview.Transformed != 1 {
		t.Errorf("Expected 1 transformed edge, got %d", overview.Transformed)
	}
	if overview.ContentTypes["starlark"] != 1 {
		t.Errorf("Expected 1 starlark transformation, got %v", overview.ContentTypes)
	}
	if overview.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", overview.Depth)
	}
}

func TestOverviewOf_NoTransformations(t *testing.T) {
	g := newTestGraph(t)
	a := addWidget(t, g, "sticky-note")
	b := addWidget(t, g, "sticky-note")
	addEdge(t, g, a.ID, b.ID)

	plan, err := g.PlanFrom(a.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	overview := OverviewOf(plan)
	if overview.ContentTypes != nil {
		t.Errorf("Expected no content types, got %v", overview.ContentTypes)
	}
	if overview.Depth != 2 {
		t.Errorf("Expected depth 2, got %d", overview.Depth)
	}
}

func TestFormatPlan(t *testing.T) {
	_, plan := diamondPlan(t)

	text := FormatPlan(plan)
	if !strings.Contains(text, "Plan for "+plan.RootID) {
		t.Errorf("Expected header with root ID, got:\n%s", text)
	}
	if !strings.Contains(text, "4 widgets, 4 edges (1 transformed), depth 3") {
		t.Errorf("Expected summary line, got:\n%s", text)
	}
	if !strings.Contains(text, "(after ") {
		t.Errorf("Expected dependency annotations, got:\n%s", text)
	}
	if !strings.Contains(text, "[starlark/inline]") {
		t.Errorf("Expected transformation annotation, got:\n%s", text)
	}
	for _, item := range plan.Items {
		if !strings.Contains(text, item.WidgetID) {
			t.Errorf("Expected %s in output, got:\n%s", item.WidgetID, text)
		}
	}
}
