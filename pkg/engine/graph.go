package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Graph is the board's dependency graph: widgets as nodes, connections as
// directed edges. All mutation goes through a single writer lock; the graph
// is acyclic at all times because every edge insertion is checked before it
// commits.
type Graph struct {
	mu       sync.RWMutex
	registry *WidgetRegistry

	widgets map[string]*Widget
	edges   map[string]*Connection

	// outgoing and incoming keep adjacency in edge insertion order, which
	// is the stable tie-break for plan ordering.
	outgoing map[string][]*Connection
	incoming map[string][]*Connection

	edgeSeq int
}

// NewGraph creates an empty graph backed by the given kind registry.
func NewGraph(registry *WidgetRegistry) *Graph {
	return &Graph{
		registry: registry,
		widgets:  make(map[string]*Widget),
		edges:    make(map[string]*Connection),
		outgoing: make(map[string][]*Connection),
		incoming: make(map[string][]*Connection),
	}
}

// AddWidget adds a widget of the given kind and returns it. The ID is minted
// from the kind's counter and never reused.
func (g *Graph) AddWidget(slug, title string, inputs Values) (*Widget, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := g.registry.NextID(slug)
	if err != nil {
		return nil, err
	}

	reg, err := g.registry.GetKind(slug)
	if err != nil {
		return nil, err
	}

	w := &Widget{
		ID:              id,
		Slug:            slug,
		Title:           title,
		Inputs:          inputs.Clone(),
		State:           StateIdle,
		InputSchemaRef:  reg.InputSchemaRef,
		OutputSchemaRef: reg.OutputSchemaRef,
		CreatedAt:       time.Now(),
	}

	g.widgets[id] = w
	return w, nil
}

// GetWidget retrieves a widget by ID.
func (g *Graph) GetWidget(id string) (*Widget, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	w, ok := g.widgets[id]
	if !ok {
		return nil, NewUnknownWidgetError(id)
	}
	return w, nil
}

// HasWidget reports whether a widget exists.
func (g *Graph) HasWidget(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.widgets[id]
	return ok
}

// ListWidgets returns all widgets sorted by ID.
func (g *Graph) ListWidgets() []*Widget {
	g.mu.RLock()
	defer g.mu.RUnlock()

	widgets := make([]*Widget, 0, len(g.widgets))
	for _, w := range g.widgets {
		widgets = append(widgets, w)
	}
	sort.Slice(widgets, func(i, j int) bool {
		return widgets[i].ID < widgets[j].ID
	})
	return widgets
}

// RemoveWidget removes a widget and cascades removal of every edge touching
// it. The widget's ID stays burned in the kind counter and is never reissued.
func (g *Graph) RemoveWidget(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.widgets[id]; !ok {
		return NewUnknownWidgetError(id)
	}

	for _, conn := range g.outgoing[id] {
		g.dropEdgeLocked(conn)
	}
	for _, conn := range g.incoming[id] {
		g.dropEdgeLocked(conn)
	}

	delete(g.outgoing, id)
	delete(g.incoming, id)
	delete(g.widgets, id)
	return nil
}

// SetInputs replaces a widget's input slot values.
func (g *Graph) SetInputs(id string, inputs Values) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.widgets[id]
	if !ok {
		return NewUnknownWidgetError(id)
	}
	w.Inputs = inputs.Clone()
	return nil
}

// SetOutputs replaces a widget's output slot values.
func (g *Graph) SetOutputs(id string, outputs Values) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.widgets[id]
	if !ok {
		return NewUnknownWidgetError(id)
	}
	w.Outputs = outputs.Clone()
	return nil
}

// SetState updates a widget's lifecycle state.
func (g *Graph) SetState(id string, state WorkState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.widgets[id]
	if !ok {
		return NewUnknownWidgetError(id)
	}
	if err := state.Validate(); err != nil {
		return NewPermanentError("invalid state transition", err).WithCode(ErrCodeValidation)
	}
	w.State = state
	return nil
}

// AddEdge connects a source widget's output slot to a target widget's input
// slot. The insertion is rejected, leaving the graph untouched, if either
// endpoint is unknown, the transformation is malformed, or the edge would
// close a cycle.
func (g *Graph) AddEdge(sourceID, sourceSlot, targetID, targetSlot string, t *Transformation) (*Connection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.widgets[sourceID]; !ok {
		return nil, NewUnknownWidgetError(sourceID)
	}
	if _, ok := g.widgets[targetID]; !ok {
		return nil, NewUnknownWidgetError(targetID)
	}
	if sourceSlot == "" || targetSlot == "" {
		return nil, NewPermanentError("edge slots must be named", nil).
			WithCode(ErrCodeValidation)
	}
	if t != nil {
		if err := t.ContentSource.Validate(); err != nil {
			return nil, err
		}
	}

	// Reachability check on the current graph. If the source can already be
	// reached from the target, the new edge closes a loop.
	if sourceID == targetID {
		return nil, NewCycleError([]string{sourceID, targetID})
	}
	if path := g.findPathLocked(targetID, sourceID); path != nil {
		cycle := append([]string{sourceID}, path...)
		return nil, NewCycleError(cycle)
	}

	g.edgeSeq++
	conn := &Connection{
		ID:             fmt.Sprintf("edge-%d", g.edgeSeq),
		SourceID:       sourceID,
		SourceSlot:     sourceSlot,
		TargetID:       targetID,
		TargetSlot:     targetSlot,
		Transformation: t,
		seq:            g.edgeSeq,
	}

	g.edges[conn.ID] = conn
	g.outgoing[sourceID] = append(g.outgoing[sourceID], conn)
	g.incoming[targetID] = append(g.incoming[targetID], conn)
	return conn, nil
}

// GetEdge retrieves an edge by ID.
func (g *Graph) GetEdge(id string) (*Connection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	conn, ok := g.edges[id]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown edge: %s", id), nil).
			WithCode(ErrCodeValidation)
	}
	return conn, nil
}

// ListEdges returns all edges in insertion order.
func (g *Graph) ListEdges() []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges := make([]*Connection, 0, len(g.edges))
	for _, conn := range g.edges {
		edges = append(edges, conn)
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].seq < edges[j].seq
	})
	return edges
}

// RemoveEdge removes a single edge.
func (g *Graph) RemoveEdge(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.edges[id]
	if !ok {
		return NewPermanentError(fmt.Sprintf("unknown edge: %s", id), nil).
			WithCode(ErrCodeValidation)
	}
	g.dropEdgeLocked(conn)
	return nil
}

// dropEdgeLocked removes an edge from all indexes. Caller holds the lock.
func (g *Graph) dropEdgeLocked(conn *Connection) {
	delete(g.edges, conn.ID)
	g.outgoing[conn.SourceID] = removeConn(g.outgoing[conn.SourceID], conn.ID)
	g.incoming[conn.TargetID] = removeConn(g.incoming[conn.TargetID], conn.ID)
}

func removeConn(conns []*Connection, id string) []*Connection {
	for i, c := range conns {
		if c.ID == id {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}

// findPathLocked returns the widget path from one node to another following
// outgoing edges, or nil if the destination is unreachable. Caller holds at
// least the read lock.
func (g *Graph) findPathLocked(from, to string) []string {
	visited := make(map[string]bool)
	var path []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		path = append(path, id)
		if id == to {
			return true
		}
		for _, conn := range g.outgoing[id] {
			if !visited[conn.TargetID] {
				if visit(conn.TargetID) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if visit(from) {
		return path
	}
	return nil
}

// PlanFrom computes the execution plan for the hierarchy rooted at the given
// widget: the root plus everything reachable downstream, in an order that
// places every producer before its consumers. Ties between independent
// widgets resolve by the insertion order of the edges that first made them
// reachable, so repeated calls on an unchanged graph yield the same plan.
func (g *Graph) PlanFrom(rootID string) (*ExecutionPlan, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.widgets[rootID]; !ok {
		return nil, NewUnknownWidgetError(rootID)
	}

	// Collect the reachable subgraph.
	reachable := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, conn := range g.outgoing[id] {
			if !reachable[conn.TargetID] {
				reachable[conn.TargetID] = true
				queue = append(queue, conn.TargetID)
			}
		}
	}

	// In-degree and earliest incoming edge, counting only in-subgraph edges.
	inDegree := make(map[string]int, len(reachable))
	minSeq := make(map[string]int, len(reachable))
	for id := range reachable {
		for _, conn := range g.incoming[id] {
			if !reachable[conn.SourceID] {
				continue
			}
			inDegree[id]++
			if cur, ok := minSeq[id]; !ok || conn.seq < cur {
				minSeq[id] = conn.seq
			}
		}
	}

	// Kahn's algorithm. Only the root starts ready: every other reachable
	// widget has at least one in-subgraph producer.
	ready := []string{rootID}
	items := make([]*PlanItem, 0, len(reachable))

	for len(ready) > 0 {
		// Pick the ready widget whose earliest incoming edge is oldest.
		next := 0
		for i := 1; i < len(ready); i++ {
			if minSeq[ready[i]] < minSeq[ready[next]] {
				next = i
			}
		}
		id := ready[next]
		ready = append(ready[:next], ready[next+1:]...)

		item := &PlanItem{
			WidgetID: id,
			Order:    len(items),
		}
		for _, conn := range g.incoming[id] {
			if !reachable[conn.SourceID] {
				continue
			}
			item.Incoming = append(item.Incoming, conn)
			item.DependsOn = appendUnique(item.DependsOn, conn.SourceID)
		}
		items = append(items, item)

		for _, conn := range g.outgoing[id] {
			if !reachable[conn.TargetID] {
				continue
			}
			inDegree[conn.TargetID]--
			if inDegree[conn.TargetID] == 0 {
				ready = append(ready, conn.TargetID)
			}
		}
	}

	if len(items) != len(reachable) {
		// Unreachable with the per-insertion cycle check, kept as a guard.
		return nil, NewPermanentError("graph contains a cycle", nil).
			WithCode(ErrCodeCycle).WithKind(ResultCycleError)
	}

	return &ExecutionPlan{
		ID:        uuid.New().String(),
		RootID:    rootID,
		CreatedAt: time.Now(),
		Items:     items,
	}, nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// Validate checks structural invariants: every edge references existing
// widgets and the graph is acyclic. Useful after loading a board from disk.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, conn := range g.edges {
		if _, ok := g.widgets[conn.SourceID]; !ok {
			return NewPermanentError(
				fmt.Sprintf("edge %s references unknown source %s", conn.ID, conn.SourceID), nil).
				WithCode(ErrCodeValidation)
		}
		if _, ok := g.widgets[conn.TargetID]; !ok {
			return NewPermanentError(
				fmt.Sprintf("edge %s references unknown target %s", conn.ID, conn.TargetID), nil).
				WithCode(ErrCodeValidation)
		}
	}

	// Kahn over the whole graph; leftovers mean a cycle.
	inDegree := make(map[string]int, len(g.widgets))
	for id := range g.widgets {
		inDegree[id] = len(g.incoming[id])
	}
	queue := make([]string, 0, len(g.widgets))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, conn := range g.outgoing[id] {
			inDegree[conn.TargetID]--
			if inDegree[conn.TargetID] == 0 {
				queue = append(queue, conn.TargetID)
			}
		}
	}
	if processed != len(g.widgets) {
		return NewPermanentError("graph contains a cycle", nil).
			WithCode(ErrCodeCycle).WithKind(ResultCycleError)
	}

	return nil
}

// ToDOT generates a GraphViz DOT representation of the board.
func (g *Graph) ToDOT() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph board {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	ids := make([]string, 0, len(g.widgets))
	for id := range g.widgets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		w := g.widgets[id]
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\\n(%s)\"];\n", id, id, w.State))
	}
	sb.WriteString("\n")

	for _, conn := range g.sortedEdgesLocked() {
		label := fmt.Sprintf("%s -> %s", conn.SourceSlot, conn.TargetSlot)
		if conn.Transformation != nil {
			label += fmt.Sprintf("\\n[%s]", conn.Transformation.ContentType)
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n",
			conn.SourceID, conn.TargetID, label))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (g *Graph) sortedEdgesLocked() []*Connection {
	edges := make([]*Connection, 0, len(g.edges))
	for _, conn := range g.edges {
		edges = append(edges, conn)
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].seq < edges[j].seq
	})
	return edges
}
