package ledger

import (
	"sort"

	"goa.design/transcriptd/structerr"
)

// ResolveTranscript walks messages from roots (parent missing or null) in
// insertion order, choosing one child per fork point under the policy in
// spec.md §4.7: an explicit Branch selection wins; else the committed
// sibling with the largest Order; else the sibling with the largest Order.
// Cycles are detected via a visited set and terminate the walk without
// error. Both backends share this so branch-resolution semantics never
// drift between memstore and sqlstore.
func ResolveTranscript(messages []Message, runStatus map[string]Status, branch Branch) ([]Message, error) {
	childrenOf, err := childrenByParent(messages, runStatus)
	if err != nil {
		return nil, err
	}
	return walkActiveChain(childrenOf, runStatus, branch), nil
}

// ResolveThreadTree returns every message plus the full fork-point index
// (including fork points off the active branch), per spec.md §4.7's
// get_thread_tree.
func ResolveThreadTree(messages []Message, runStatus map[string]Status, branch Branch) (ThreadTree, error) {
	childrenOf, err := childrenByParent(messages, runStatus)
	if err != nil {
		return ThreadTree{}, err
	}
	return ThreadTree{
		Nodes:      messages,
		ForkPoints: allForkPoints(childrenOf, runStatus, branch),
	}, nil
}

// childrenByParent groups messages by ParentMessageID ("" for roots: an
// empty parent id or one naming no message in the set), sorted ascending by
// Order, and validates that every message's run_id refers to a known run
// status.
func childrenByParent(messages []Message, runStatus map[string]Status) (map[string][]Message, error) {
	ids := make(map[string]bool, len(messages))
	for _, m := range messages {
		ids[m.ID] = true
	}
	childrenOf := make(map[string][]Message)
	for _, m := range messages {
		if _, ok := runStatus[m.RunID]; !ok {
			return nil, structerr.New(structerr.KindStructural, "message %q has no status for run %q", m.ID, m.RunID)
		}
		key := m.ParentMessageID
		if !ids[key] {
			key = ""
		}
		childrenOf[key] = append(childrenOf[key], m)
	}
	for parent := range childrenOf {
		children := childrenOf[parent]
		sort.Slice(children, func(i, j int) bool { return children[i].Order < children[j].Order })
		childrenOf[parent] = children
	}
	return childrenOf, nil
}

// walkActiveChain follows exactly one child per fork point starting from
// the root level, producing a single linear message list.
func walkActiveChain(childrenOf map[string][]Message, runStatus map[string]Status, branch Branch) []Message {
	visited := make(map[string]bool)
	var transcript []Message
	parentKey := ""
	for {
		children := childrenOf[parentKey]
		if len(children) == 0 {
			break
		}
		chosen := resolveActiveChild(children, runStatus, branch[parentKey])
		if visited[chosen.ID] {
			break // corrupt data forms a cycle; stop without error.
		}
		visited[chosen.ID] = true
		transcript = append(transcript, chosen)
		parentKey = chosen.ID
	}
	return transcript
}

// allForkPoints returns one ForkPoint for every parent key with more than
// one child, across the entire DAG (not just the active chain), sorted by
// fork message id for determinism.
func allForkPoints(childrenOf map[string][]Message, runStatus map[string]Status, branch Branch) []ForkPoint {
	var out []ForkPoint
	for key, children := range childrenOf {
		if len(children) < 2 {
			continue
		}
		ids := make([]string, len(children))
		for i, c := range children {
			ids[i] = c.ID
		}
		chosen := resolveActiveChild(children, runStatus, branch[key])
		out = append(out, ForkPoint{ForkMessageID: key, Children: ids, ActiveChildID: chosen.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ForkMessageID < out[j].ForkMessageID })
	return out
}

// resolveActiveChild picks one child per the fork-point policy. children
// must be non-empty.
func resolveActiveChild(children []Message, runStatus map[string]Status, explicit string) Message {
	if explicit != "" {
		for _, c := range children {
			if c.ID == explicit {
				return c
			}
		}
	}
	var bestCommitted, bestAny *Message
	for i := range children {
		c := &children[i]
		if bestAny == nil || c.Order > bestAny.Order {
			bestAny = c
		}
		if runStatus[c.RunID] == StatusCommitted && (bestCommitted == nil || c.Order > bestCommitted.Order) {
			bestCommitted = c
		}
	}
	if bestCommitted != nil {
		return *bestCommitted
	}
	return *bestAny
}
