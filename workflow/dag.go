// Package workflow implements the Workflow Engine (C9): dependency-ordered
// multi-step execution with idempotency and LIFO compensating rollback,
// submitted through the router/executor pipeline (C7/C6) rather than a
// direct reference to either, per spec §9's cyclic-reference guidance.
package workflow

import (
	"fmt"
	"sync"
)

// stepStatus is a step's position in a single WorkflowRun's dependency graph.
type stepStatus int

const (
	stepPending stepStatus = iota
	stepRunning
	stepCompleted
	stepFailed
	stepSkipped
)

// stepNode is one step's dependency-graph bookkeeping, adapted from the
// teacher's generic gomind/orchestration WorkflowDAG/DAGNode shape down to
// the operations the engine actually drives: ready-node scan, terminal
// marking, and cascading skip of dependents on failure.
type stepNode struct {
	name         string
	dependsOn    []string
	dependents   []string
	status       stepStatus
}

// dag is a single WorkflowRun's dependency graph over its StepSpecs.
// Unlike the teacher's WorkflowDAG, nodes are fixed at construction time
// (AddNode never rebuilds an already-running graph mid-execution); there is
// exactly one dag per WorkflowRun and it is discarded with the run.
type dag struct {
	mu    sync.Mutex
	nodes map[string]*stepNode
	order []string // insertion order, for deterministic ready-node scans
}

func newDAG() *dag {
	return &dag{nodes: make(map[string]*stepNode)}
}

// addStep registers a step and its declared dependencies. Must be called
// for every step before validate.
func (d *dag) addStep(name string, dependsOn []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[name] = &stepNode{name: name, dependsOn: dependsOn}
	d.order = append(d.order, name)
}

// validate rebuilds dependents from declared dependencies, checks every
// dependency names a real step, and rejects circular dependency chains via
// DFS (spec §4.8 step 1: "Topologically order steps by dependsOn; detect
// cycles → reject with validation").
func (d *dag) validate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, node := range d.nodes {
		node.dependents = nil
	}
	for name, node := range d.nodes {
		for _, dep := range node.dependsOn {
			depNode, exists := d.nodes[dep]
			if !exists {
				return fmt.Errorf("step %q depends on undefined step %q", name, dep)
			}
			depNode.dependents = append(depNode.dependents, name)
		}
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	for name := range d.nodes {
		if !visited[name] && d.hasCycle(name, visited, inStack) {
			return fmt.Errorf("workflow contains a circular step dependency")
		}
	}
	return nil
}

func (d *dag) hasCycle(name string, visited, inStack map[string]bool) bool {
	visited[name] = true
	inStack[name] = true
	for _, dep := range d.nodes[name].dependents {
		if !visited[dep] {
			if d.hasCycle(dep, visited, inStack) {
				return true
			}
		} else if inStack[dep] {
			return true
		}
	}
	inStack[name] = false
	return false
}

// readySteps returns pending steps whose dependencies are all completed
// (or skipped, which satisfies a dependency the same way the teacher's
// allDependenciesComplete treats NodeSkipped — a skipped upstream step
// can't produce a result to depend on, but it isn't a reason to keep
// blocking siblings that don't otherwise need it).
func (d *dag) readySteps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []string
	for _, name := range d.order {
		node := d.nodes[name]
		if node.status != stepPending {
			continue
		}
		if d.dependenciesSatisfied(node) {
			ready = append(ready, name)
		}
	}
	return ready
}

func (d *dag) dependenciesSatisfied(node *stepNode) bool {
	for _, dep := range node.dependsOn {
		depStatus := d.nodes[dep].status
		if depStatus != stepCompleted && depStatus != stepSkipped {
			return false
		}
	}
	return true
}

func (d *dag) markRunning(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.nodes[name]; ok {
		node.status = stepRunning
	}
}

func (d *dag) markCompleted(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.nodes[name]; ok {
		node.status = stepCompleted
	}
}

// markFailed marks name failed and cascades stepSkipped through every
// pending dependent, transitively, so a downstream step never runs after
// one of its inputs permanently failed (spec §4.8 step 4).
func (d *dag) markFailed(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.nodes[name]
	if !ok {
		return
	}
	node.status = stepFailed
	d.skipDependents(name)
}

func (d *dag) skipDependents(name string) {
	node := d.nodes[name]
	for _, dep := range node.dependents {
		depNode := d.nodes[dep]
		if depNode.status == stepPending {
			depNode.status = stepSkipped
			d.skipDependents(dep)
		}
	}
}

// isComplete reports whether every step has reached a terminal status.
func (d *dag) isComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, node := range d.nodes {
		if node.status == stepPending || node.status == stepRunning {
			return false
		}
	}
	return true
}

// hasRunning reports whether any step is currently in flight, used to tell
// a genuinely stuck graph (no ready steps, nothing running: a bug, since
// validate already rules out cycles and missing dependencies) apart from
// one that's merely waiting on in-flight work.
func (d *dag) hasRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, node := range d.nodes {
		if node.status == stepRunning {
			return true
		}
	}
	return false
}

func (d *dag) statusOf(name string) stepStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.nodes[name]; ok {
		return node.status
	}
	return stepPending
}
