package stepflow

import (
	"fmt"
	"strings"

	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/flow"
	"github.com/GoCodeAlone/stepflow/module"
	"github.com/GoCodeAlone/stepflow/resolve"
)

// ValidationIssue is one structural problem found in a workflow document.
type ValidationIssue struct {
	Code    execution.Code
	NodeID  string
	Message string
}

func (i ValidationIssue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("%s: node %q: %s", i.Code, i.NodeID, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// Err converts the issue to a ModuleError.
func (i ValidationIssue) Err() error {
	return &execution.ModuleError{Code: i.Code, Message: i.String()}
}

// Validate checks a workflow document without executing it. All findings are
// returned; an empty slice means the workflow is executable.
func (e *Engine) Validate(wf *config.Workflow) []ValidationIssue {
	var issues []ValidationIssue
	add := func(code execution.Code, nodeID, format string, args ...any) {
		issues = append(issues, ValidationIssue{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
	}

	norm := wf.Normalize()
	nodes := norm.Nodes

	byID := make(map[string]*config.Node, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			add(execution.CodeValidation, "", "node %d has no id", i)
			continue
		}
		if config.ReservedIDs[n.ID] {
			add(execution.CodeValidation, n.ID, "id collides with a reserved resolver namespace")
		}
		if _, dup := byID[n.ID]; dup {
			add(execution.CodeValidation, n.ID, "duplicate node id")
			continue
		}
		byID[n.ID] = n
	}

	metas := make(map[string]*module.Metadata, len(nodes))
	for id, n := range byID {
		if n.Module == "" {
			add(execution.CodeValidation, id, "node has no module")
			continue
		}
		meta, err := e.registry.Get(n.Module)
		if err != nil {
			add(execution.CodeNotFound, id, "module %q is not registered", n.Module)
			continue
		}
		metas[id] = meta
		e.validateNodeConfig(n, add)
	}

	in := make(map[string][]config.Edge)
	out := make(map[string][]config.Edge)
	for _, edge := range norm.Edges {
		srcMeta, srcOK := metas[edge.SourceNode]
		if _, exists := byID[edge.SourceNode]; !exists {
			add(execution.CodeValidation, "", "edge source %q does not exist", edge.SourceNode)
			continue
		}
		if _, exists := byID[edge.TargetNode]; !exists {
			add(execution.CodeValidation, "", "edge target %q does not exist", edge.TargetNode)
			continue
		}
		in[edge.TargetNode] = append(in[edge.TargetNode], edge)
		out[edge.SourceNode] = append(out[edge.SourceNode], edge)

		tgtMeta, tgtOK := metas[edge.TargetNode]
		if !srcOK || !tgtOK {
			continue
		}
		e.validateEdge(edge, byID[edge.SourceNode], srcMeta, tgtMeta, add)
	}

	issues = append(issues, e.validateStartAndReach(norm, byID, metas, in, out)...)
	issues = append(issues, validateCycles(byID, in)...)
	issues = append(issues, validateFutureRefs(byID, in)...)
	return issues
}

// validateNodeConfig checks per-node settings: guards compile, retry and
// on_error values are legal, goto targets exist.
func (e *Engine) validateNodeConfig(n *config.Node, add func(execution.Code, string, string, ...any)) {
	if g := n.Guard(); g != "" {
		stripped := stripRefs(g)
		if err := flow.CompileCondition(stripped); err != nil {
			add(execution.CodeValidation, n.ID, "guard does not compile: %v", err)
		}
	}
	switch n.OnError {
	case "", config.OnErrorFail, config.OnErrorContinue, config.OnErrorSkip:
	case config.OnErrorGoto:
		if n.OnErrorGoto == "" {
			add(execution.CodeValidation, n.ID, "on_error: goto requires on_error_goto")
		}
	default:
		add(execution.CodeValidation, n.ID, "unknown on_error strategy %q", n.OnError)
	}
	if n.Retry != nil {
		if n.Retry.Count < 0 {
			add(execution.CodeValidation, n.ID, "retry count must not be negative")
		}
		switch n.Retry.Backoff {
		case "", config.BackoffNone, config.BackoffLinear, config.BackoffExponential:
		default:
			add(execution.CodeValidation, n.ID, "unknown retry backoff %q", n.Retry.Backoff)
		}
	}
	if n.OutputMode != "" && n.Foreach == "" {
		add(execution.CodeValidation, n.ID, "output_mode requires foreach")
	}
	if n.Module == flow.ModuleMerge || n.Module == flow.ModuleJoin {
		if s, ok := n.Params["strategy"].(string); ok {
			if _, _, err := flow.ParseStrategy(s); err != nil {
				add(execution.CodeValidation, n.ID, "%v", err)
			}
		}
	}
}

// validateEdge checks port existence and type compatibility. Dynamic-port
// sources (flow.switch) are checked against the node's declared cases.
func (e *Engine) validateEdge(edge config.Edge, srcNode *config.Node, src, tgt *module.Metadata, add func(execution.Code, string, string, ...any)) {
	if src.DynamicPorts {
		if !dynamicPortExists(srcNode, edge.SourcePort) {
			add(execution.CodePortNotFound, edge.SourceNode,
				"output port %q does not match any declared case", edge.SourcePort)
		}
		return
	}
	result, err := e.registry.CanConnect(src.ID, edge.SourcePort, tgt.ID, edge.TargetPort)
	if err != nil {
		add(execution.CodeValidation, edge.SourceNode, "%v", err)
		return
	}
	switch result {
	case module.ConnectPortNotFound:
		add(execution.CodePortNotFound, edge.SourceNode,
			"no port pair %q -> %s.%q", edge.SourcePort, edge.TargetNode, edge.TargetPort)
	case module.ConnectIncompatibleType:
		add(execution.CodeTypeMismatch, edge.SourceNode,
			"port %q cannot feed %s.%q", edge.SourcePort, edge.TargetNode, edge.TargetPort)
	}
}

func dynamicPortExists(n *config.Node, port string) bool {
	if port == flow.PortDefault || port == config.DefaultOutputPort {
		return true
	}
	value, ok := strings.CutPrefix(port, flow.CasePortPrefix)
	if !ok {
		return false
	}
	cases, _ := n.Params["cases"].([]any)
	for _, c := range cases {
		if m, isMap := c.(map[string]any); isMap {
			c = m["value"]
		}
		if fmt.Sprintf("%v", c) == value {
			return true
		}
	}
	return false
}

// validateStartAndReach enforces the single-start rule and flags orphans.
// Error-subgraph nodes (reachable from an error trigger) are exempt from the
// orphan check.
func (e *Engine) validateStartAndReach(wf *config.Workflow, byID map[string]*config.Node, metas map[string]*module.Metadata, in, out map[string][]config.Edge) []ValidationIssue {
	var issues []ValidationIssue

	var starts []string
	for _, n := range wf.Nodes {
		if len(in[n.ID]) == 0 && byID[n.ID] != nil {
			if metas[n.ID] != nil && metas[n.ID].ID == flow.ModuleErrorTrigger {
				continue
			}
			starts = append(starts, n.ID)
		}
	}
	switch {
	case len(starts) == 0:
		issues = append(issues, ValidationIssue{Code: execution.CodeNoStartNode,
			Message: "no node without incoming edges"})
		return issues
	case len(starts) > 1:
		issues = append(issues, ValidationIssue{Code: execution.CodeMultipleStartNodes,
			Message: fmt.Sprintf("candidates: %s", strings.Join(starts, ", "))})
		return issues
	}
	start := starts[0]
	if meta := metas[start]; meta != nil && !meta.Startable() {
		issues = append(issues, ValidationIssue{Code: execution.CodeInvalidStartNode, NodeID: start,
			Message: fmt.Sprintf("module %s cannot open a graph", meta.ID)})
	}

	reachable := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, edge := range out[id] {
			walk(edge.TargetNode)
		}
		// goto jumps keep their target reachable.
		if n := byID[id]; n != nil && n.Module == flow.ModuleGoto {
			if target, _ := n.Params["target"].(string); target != "" {
				if _, exists := byID[target]; exists {
					walk(target)
				} else {
					issues = append(issues, ValidationIssue{Code: execution.CodeValidation, NodeID: id,
						Message: fmt.Sprintf("goto target %q does not exist", target)})
				}
			}
		}
	}
	walk(start)
	for _, n := range wf.Nodes {
		if byID[n.ID] == nil || reachable[n.ID] {
			continue
		}
		if metas[n.ID] != nil && metas[n.ID].ID == flow.ModuleErrorTrigger {
			walk(n.ID)
		}
	}
	// on_error_goto targets stay reachable too.
	for _, n := range wf.Nodes {
		if n.OnErrorGoto != "" && reachable[n.ID] {
			if _, exists := byID[n.OnErrorGoto]; exists {
				walk(n.OnErrorGoto)
			} else {
				issues = append(issues, ValidationIssue{Code: execution.CodeValidation, NodeID: n.ID,
					Message: fmt.Sprintf("on_error_goto target %q does not exist", n.OnErrorGoto)})
			}
		}
	}
	for _, n := range wf.Nodes {
		if byID[n.ID] != nil && !reachable[n.ID] {
			issues = append(issues, ValidationIssue{Code: execution.CodeOrphanNode, NodeID: n.ID,
				Message: "not reachable from the start node"})
		}
	}
	return issues
}

// validateCycles rejects static cycles. Edges entering loop, foreach and goto
// nodes are legitimate back edges and are excluded from the check.
func validateCycles(byID map[string]*config.Node, in map[string][]config.Edge) []ValidationIssue {
	adj := make(map[string][]string)
	for target, edges := range in {
		n := byID[target]
		if n != nil && isIterationModule(n.Module) {
			continue
		}
		for _, edge := range edges {
			adj[edge.SourceNode] = append(adj[edge.SourceNode], target)
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)
	var cycleAt string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				cycleAt = next
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for id := range byID {
		if color[id] == white && visit(id) {
			return []ValidationIssue{{Code: execution.CodeCycleDetected, NodeID: cycleAt,
				Message: "graph contains a cycle not mediated by loop, foreach or goto"}}
		}
	}
	return nil
}

func isIterationModule(id string) bool {
	return id == flow.ModuleLoop || id == flow.ModuleForeach || id == flow.ModuleGoto
}

// validateFutureRefs rejects references to steps that cannot have completed
// yet: a node may only reference its (transitive) predecessors.
func validateFutureRefs(byID map[string]*config.Node, in map[string][]config.Edge) []ValidationIssue {
	var issues []ValidationIssue

	// ancestors via reverse reachability; iteration back edges count as
	// ancestry so loop bodies may reference the loop's input.
	ancestors := make(map[string]map[string]bool, len(byID))
	var up func(id string, seen map[string]bool)
	up = func(id string, seen map[string]bool) {
		for _, edge := range in[id] {
			if seen[edge.SourceNode] {
				continue
			}
			seen[edge.SourceNode] = true
			up(edge.SourceNode, seen)
		}
	}
	for id := range byID {
		seen := map[string]bool{}
		up(id, seen)
		ancestors[id] = seen
	}

	aliasOwner := map[string]string{}
	for id, n := range byID {
		if n.Output != "" {
			aliasOwner[n.Output] = id
		}
	}

	for id, n := range byID {
		for _, text := range refTexts(n) {
			refs, err := resolve.FindRefs(text)
			if err != nil {
				issues = append(issues, ValidationIssue{Code: execution.CodeValidation, NodeID: id,
					Message: err.Error()})
				continue
			}
			for _, ref := range refs {
				root := ref.Root()
				owner := root
				if o, isAlias := aliasOwner[root]; isAlias {
					owner = o
				}
				if _, isNode := byID[owner]; !isNode {
					continue
				}
				if owner == id || ancestors[id][owner] {
					continue
				}
				issues = append(issues, ValidationIssue{Code: execution.CodeValidation, NodeID: id,
					Message: fmt.Sprintf("references %q which has not run at this point", root)})
			}
		}
	}
	return issues
}

// refTexts collects every string in the node config that may hold references.
func refTexts(n *config.Node) []string {
	var out []string
	if g := n.Guard(); g != "" {
		out = append(out, g)
	}
	if n.Foreach != "" {
		out = append(out, n.Foreach)
	}
	var collect func(v any)
	collect = func(v any) {
		switch val := v.(type) {
		case string:
			out = append(out, val)
		case map[string]any:
			for _, item := range val {
				collect(item)
			}
		case []any:
			for _, item := range val {
				collect(item)
			}
		}
	}
	collect(any(n.Params))
	return out
}

// stripRefs replaces references with a literal so the remaining expression
// can be compile-checked.
func stripRefs(s string) string {
	for {
		open := strings.Index(s, "{{")
		if open < 0 {
			return s
		}
		close := strings.Index(s[open:], "}}")
		if close < 0 {
			return s[:open]
		}
		s = s[:open] + "0" + s[open+close+2:]
	}
}
