package domain

import "sort"

type GraphNode struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

type GraphEdge struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Target string  `json:"target"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight,omitempty"`
}

type GraphFragment struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Normalized dedups nodes and edges by id, drops edges whose endpoints are missing and
// returns both lists sorted by id.
func (g GraphFragment) Normalized() GraphFragment {
	nodes := make(map[string]GraphNode, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			continue
		}
		if _, ok := nodes[n.ID]; !ok {
			nodes[n.ID] = n
		}
	}
	edges := make(map[string]GraphEdge, len(g.Edges))
	for _, e := range g.Edges {
		if _, ok := nodes[e.Source]; !ok {
			continue
		}
		if _, ok := nodes[e.Target]; !ok {
			continue
		}
		id := e.ID
		if id == "" {
			id = e.Source + "-" + e.Type + "-" + e.Target
			e.ID = id
		}
		if _, ok := edges[id]; !ok {
			edges[id] = e
		}
	}

	out := GraphFragment{
		Nodes: make([]GraphNode, 0, len(nodes)),
		Edges: make([]GraphEdge, 0, len(edges)),
	}
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, n)
	}
	for _, e := range edges {
		out.Edges = append(out.Edges, e)
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].ID < out.Nodes[j].ID })
	sort.Slice(out.Edges, func(i, j int) bool { return out.Edges[i].ID < out.Edges[j].ID })
	return out
}

func (g GraphFragment) Merge(other GraphFragment) GraphFragment {
	merged := GraphFragment{
		Nodes: append(append([]GraphNode(nil), g.Nodes...), other.Nodes...),
		Edges: append(append([]GraphEdge(nil), g.Edges...), other.Edges...),
	}
	return merged.Normalized()
}
