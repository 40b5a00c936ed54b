package starlark

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/slateboard/slateboard/pkg/engine"
)

func transformReq(content string, source engine.Values) *engine.TransformRequest {
	return &engine.TransformRequest{
		EdgeID:     "conn-1",
		Content:    []byte(content),
		SourceData: source,
		Spec:       engine.ExecutionSpec{Timeout: 5 * time.Second},
	}
}

func TestRuntime_Metadata(t *testing.T) {
	meta := New().Metadata()
	if meta.ContentType != "starlark" {
		t.Errorf("ContentType = %s, want starlark", meta.ContentType)
	}
	if meta.Name != "starlark" {
		t.Errorf("Name = %s, want starlark", meta.Name)
	}
}

func TestRuntime_Validate_Accepts(t *testing.T) {
	content := `
def transform(data):
    return {"out": data["p"]}
`
	err := New().Validate(context.Background(), []byte(content), engine.ExecutionSpec{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestRuntime_Validate_SyntaxError(t *testing.T) {
	err := New().Validate(context.Background(), []byte("def transform(:"), engine.ExecutionSpec{})
	if err == nil {
		t.Fatal("Expected a syntax error")
	}
	if kind := engine.ResultKindOf(err); kind != engine.ResultCompilationError {
		t.Errorf("Result kind = %s, want %s", kind, engine.ResultCompilationError)
	}
}

func TestRuntime_Validate_RequiresTransform(t *testing.T) {
	err := New().Validate(context.Background(), []byte("x = 1\n"), engine.ExecutionSpec{})
	if err == nil {
		t.Fatal("Expected an error for content without transform()")
	}
	if !strings.Contains(err.Error(), "transform") {
		t.Errorf("Error should mention transform, got: %v", err)
	}
}

func TestRuntime_Validate_AcceptsAssignedTransform(t *testing.T) {
	content := `
def _impl(data):
    return {}

transform = _impl
`
	err := New().Validate(context.Background(), []byte(content), engine.ExecutionSpec{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestRuntime_Transform_ReturnsOutputs(t *testing.T) {
	content := `
def transform(data):
    return {"doubled": data["p"] * 2, "label": config["label"]}
`
	req := transformReq(content, engine.Values{"p": 11})
	req.Config = engine.Values{"label": "left"}

	outputs, err := New().Transform(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if outputs["doubled"] != int64(22) {
		t.Errorf("doubled = %v (%T), want 22", outputs["doubled"], outputs["doubled"])
	}
	if outputs["label"] != "left" {
		t.Errorf("label = %v, want left", outputs["label"])
	}
}

func TestRuntime_Transform_AppliesInputMapping(t *testing.T) {
	content := `
def transform(data):
    return {"tripled": data["p"] * 3}
`
	req := transformReq(content, engine.Values{"value": 7})
	req.InputMapping = map[string]string{"value": "p"}

	outputs, err := New().Transform(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if outputs["tripled"] != int64(21) {
		t.Errorf("tripled = %v, want 21", outputs["tripled"])
	}
}

func TestRuntime_Transform_NestedValues(t *testing.T) {
	content := `
def transform(data):
    return {
        "first": data["items"][0],
        "k": data["meta"]["k"],
        "count": len(data["items"]),
    }
`
	req := transformReq(content, engine.Values{
		"items": []interface{}{1, "two", true},
		"meta":  map[string]interface{}{"k": "v"},
	})

	outputs, err := New().Transform(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if outputs["first"] != int64(1) {
		t.Errorf("first = %v, want 1", outputs["first"])
	}
	if outputs["k"] != "v" {
		t.Errorf("k = %v, want v", outputs["k"])
	}
	if outputs["count"] != int64(3) {
		t.Errorf("count = %v, want 3", outputs["count"])
	}
}

func TestRuntime_Transform_StructResult(t *testing.T) {
	content := `
def transform(data):
    return struct(total = data["a"] + data["b"])
`
	req := transformReq(content, engine.Values{"a": 2, "b": 3})

	outputs, err := New().Transform(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if outputs["total"] != int64(5) {
		t.Errorf("total = %v, want 5", outputs["total"])
	}
}

func TestRuntime_Transform_JSONHelpers(t *testing.T) {
	content := `
def transform(data):
    return {"blob": json.encode({"p": data["p"]})}
`
	req := transformReq(content, engine.Values{"p": 11})

	outputs, err := New().Transform(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if outputs["blob"] != `{"p":11}` {
		t.Errorf("blob = %v, want {\"p\":11}", outputs["blob"])
	}
}

func TestRuntime_Transform_RuntimeError(t *testing.T) {
	content := `
def transform(data):
    fail("boom")
`
	_, err := New().Transform(context.Background(), transformReq(content, engine.Values{}))
	if err == nil {
		t.Fatal("Expected an error")
	}
	if kind := engine.ResultKindOf(err); kind != engine.ResultRuntimeError {
		t.Errorf("Result kind = %s, want %s", kind, engine.ResultRuntimeError)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Error should carry the failure message, got: %v", err)
	}
}

func TestRuntime_Transform_MissingFunction(t *testing.T) {
	_, err := New().Transform(context.Background(), transformReq("x = 1\n", engine.Values{}))
	if err == nil {
		t.Fatal("Expected an error")
	}
	if kind := engine.ResultKindOf(err); kind != engine.ResultCompilationError {
		t.Errorf("Result kind = %s, want %s", kind, engine.ResultCompilationError)
	}
}

func TestRuntime_Transform_NonDictResult(t *testing.T) {
	content := `
def transform(data):
    return 42
`
	_, err := New().Transform(context.Background(), transformReq(content, engine.Values{}))
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !strings.Contains(err.Error(), "dict") {
		t.Errorf("Error should mention dict, got: %v", err)
	}
}

func TestRuntime_Transform_Timeout(t *testing.T) {
	content := `
def transform(data):
    n = 0
    for i in range(1000000000):
        n += i
    return {"n": n}
`
	req := transformReq(content, engine.Values{})
	req.Spec.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := New().Transform(context.Background(), req)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected a timeout error")
	}
	if kind := engine.ResultKindOf(err); kind != engine.ResultTimeout {
		t.Errorf("Result kind = %s, want %s", kind, engine.ResultTimeout)
	}
	if !engine.IsTransient(err) {
		t.Error("Timeouts are transient")
	}
	if elapsed > 2*time.Second {
		t.Errorf("Transform took %v, the deadline did not interrupt execution", elapsed)
	}
}

func TestRuntime_Transform_Cancelled(t *testing.T) {
	content := `
def transform(data):
    n = 0
    for i in range(1000000000):
        n += i
    return {"n": n}
`
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	req := transformReq(content, engine.Values{})
	req.Spec.Timeout = 0

	_, err := New().Transform(ctx, req)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}
