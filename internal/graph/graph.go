// Package graph models one scheduler invocation as a labeled DAG of
// remote jobs and projects it into a node-link form for inspection.
//
// Nodes are keyed by their human-readable label ("Begin",
// "Head: 0, 1", "Compute: 0, 1, 2", ...). A node optionally carries the
// async jobs submitted for it; node status is derived from the last job
// in the list, mirroring how the load balancer reports completion.
package graph

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mwheeler-geo/parsim/internal/cluster"
	"github.com/mwheeler-geo/parsim/internal/endpoint"
	"github.com/mwheeler-geo/parsim/internal/subslice"
)

// Status codes for a node's job state.
type Status int

const (
	// StatusNoJob marks structural nodes with no submitted work.
	StatusNoJob Status = iota
	// StatusPending marks nodes whose last job has not completed.
	StatusPending
	// StatusReadyOK marks nodes whose last job completed successfully.
	StatusReadyOK
	// StatusReadyFail marks nodes whose last job completed with an error.
	StatusReadyFail
)

// Node is one vertex of the system graph.
type Node struct {
	Label    string
	Jobs     []*cluster.AsyncResult
	Subslice *subslice.Slice
	Tag      *endpoint.Tag
	Rank     int // -1 when the node is not pinned to a worker
}

// Status derives the node's status from its last job.
func (n *Node) Status() Status {
	if len(n.Jobs) == 0 {
		return StatusNoJob
	}
	last := n.Jobs[len(n.Jobs)-1]
	if last == nil {
		return StatusNoJob
	}
	if !last.Ready() {
		return StatusPending
	}
	if last.Successful() {
		return StatusReadyOK
	}
	return StatusReadyFail
}

// Graph is a directed graph built by one scheduler invocation. It is
// constructed single-threaded and read-only afterwards; only job status
// changes underneath it.
type Graph struct {
	nodes map[string]*Node
	order []string
	succs map[string][]string
	preds map[string][]string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: map[string]*Node{},
		succs: map[string][]string{},
		preds: map[string][]string{},
	}
}

// AddNode ensures a node with the given label exists and returns it.
func (g *Graph) AddNode(label string) *Node {
	if n, ok := g.nodes[label]; ok {
		return n
	}
	n := &Node{Label: label, Rank: -1}
	g.nodes[label] = n
	g.order = append(g.order, label)
	return n
}

// AddEdge adds a directed edge, creating either endpoint as needed.
// Duplicate edges collapse.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	for _, s := range g.succs[from] {
		if s == to {
			return
		}
	}
	g.succs[from] = append(g.succs[from], to)
	g.preds[to] = append(g.preds[to], from)
}

// Node returns the node with the given label, or nil.
func (g *Graph) Node(label string) *Node { return g.nodes[label] }

// Labels returns all node labels in insertion order.
func (g *Graph) Labels() []string { return append([]string(nil), g.order...) }

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Predecessors returns the labels with an edge into label.
func (g *Graph) Predecessors(label string) []string {
	return append([]string(nil), g.preds[label]...)
}

// Successors returns the labels label has an edge to.
func (g *Graph) Successors(label string) []string {
	return append([]string(nil), g.succs[label]...)
}

// nodeLink is the JSON projection consumed by the graph viewer.
type nodeLink struct {
	Directed bool           `json:"directed"`
	Nodes    []nodeLinkNode `json:"nodes"`
	Links    []nodeLinkEdge `json:"links"`
}

type nodeLinkNode struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

type nodeLinkEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// NodeLinkJSON renders the graph in node-link form with per-node status
// snapshotted at call time.
func (g *Graph) NodeLinkJSON() ([]byte, error) {
	nl := nodeLink{Directed: true}
	for _, label := range g.order {
		nl.Nodes = append(nl.Nodes, nodeLinkNode{ID: label, Status: g.nodes[label].Status()})
		for _, to := range g.succs[label] {
			nl.Links = append(nl.Links, nodeLinkEdge{Source: label, Target: to})
		}
	}
	return json.MarshalIndent(nl, "", "  ")
}

// WriteHTML writes a self-contained page rendering the graph's
// node-link projection.
func (g *Graph) WriteHTML(w io.Writer) error {
	data, err := g.NodeLinkJSON()
	if err != nil {
		return fmt.Errorf("graph: encoding node-link data: %w", err)
	}
	_, err = fmt.Fprintf(w, htmlShell, data)
	if err != nil {
		return fmt.Errorf("graph: writing html: %w", err)
	}
	return nil
}

// htmlShell lists nodes color-coded by status and their edges. The
// status palette matches the JSON codes: 0 none, 1 pending, 2 ok,
// 3 failed.
const htmlShell = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>system graph</title>
<style>
body { font-family: monospace; margin: 2em; }
li { margin: 2px 0; }
.s0 { color: #777; } .s1 { color: #b58900; } .s2 { color: #2a9d2a; } .s3 { color: #d0342c; }
</style></head>
<body>
<h1>System graph</h1>
<ul id="nodes"></ul>
<h2>Edges</h2>
<ul id="links"></ul>
<script>
const data = %s;
const nodes = document.getElementById("nodes");
for (const n of data.nodes) {
  const li = document.createElement("li");
  li.className = "s" + n.status;
  li.textContent = n.id + "  [" + ["no job", "pending", "ok", "failed"][n.status] + "]";
  nodes.appendChild(li);
}
const links = document.getElementById("links");
for (const l of data.links) {
  const li = document.createElement("li");
  li.textContent = l.source + " → " + l.target;
  links.appendChild(li);
}
</script>
</body>
</html>
`
