package graph

import "fmt"

// DuplicateNodeError reports a node or selector name registered twice.
type DuplicateNodeError struct {
	Node string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("node %q is already registered", e.Node)
}

// UnreachableNodeError reports a registered node, other than the entry
// point, with no incoming edge. Raised at compile time.
type UnreachableNodeError struct {
	Node string
}

func (e *UnreachableNodeError) Error() string {
	return fmt.Sprintf("node %q is unreachable: no incoming edge", e.Node)
}

// UnknownLabelError reports a selector returning a label absent from its
// label map.
type UnknownLabelError struct {
	Selector string
	Label    string
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("selector %q returned label %q which is not in its label map", e.Selector, e.Label)
}

// NodeExecutionError wraps any failure raised by user node code, carrying
// the failing node's name. The engine does not retry automatically.
type NodeExecutionError struct {
	Node string
	Err  error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.Node, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}
