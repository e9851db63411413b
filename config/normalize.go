package config

// Default port names used when edges omit them and when the linear form is
// expanded into a chain.
const (
	DefaultOutputPort = "output"
	DefaultInputPort  = "input"
)

// Normalize returns the canonical graph form of the workflow: the linear
// step list becomes a straight edge chain, the `if` alias is folded into
// `when`, and omitted edge ports get their defaults. The receiver is not
// modified; normalizing an already-normalized workflow is the identity.
func (w *Workflow) Normalize() *Workflow {
	out := *w
	out.Steps = nil

	nodes := w.AllNodes()
	out.Nodes = make([]Node, len(nodes))
	for i, n := range nodes {
		if n.If != "" && n.When == "" {
			n.When = n.If
		}
		n.If = ""
		if n.Foreach != "" && n.OutputMode == "" {
			n.OutputMode = OutputModeCollect
		}
		out.Nodes[i] = n
	}

	if len(w.Nodes) > 0 {
		out.Edges = make([]Edge, len(w.Edges))
		for i, e := range w.Edges {
			if e.SourcePort == "" {
				e.SourcePort = DefaultOutputPort
			}
			if e.TargetPort == "" {
				e.TargetPort = DefaultInputPort
			}
			out.Edges[i] = e
		}
		return &out
	}

	// Linear form: chain consecutive steps. A parallel group shares the
	// predecessor of its first member and the successor of its last, so the
	// chain edges skip over intra-group links.
	out.Edges = make([]Edge, 0, len(nodes))
	prev := []int{}
	i := 0
	for i < len(nodes) {
		group := []int{i}
		if nodes[i].Parallel {
			for i+1 < len(nodes) && nodes[i+1].Parallel {
				i++
				group = append(group, i)
			}
		}
		for _, from := range prev {
			for _, to := range group {
				out.Edges = append(out.Edges, Edge{
					SourceNode: out.Nodes[from].ID,
					SourcePort: DefaultOutputPort,
					TargetNode: out.Nodes[to].ID,
					TargetPort: DefaultInputPort,
				})
			}
		}
		prev = group
		i++
	}
	return &out
}
