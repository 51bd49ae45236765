package store

// topoSort orders events so a parent always precedes its children.
// The visit is iterative with explicit visiting/visited sets; if an
// edge points back into a node still being visited (a cycle), that
// edge is dropped instead of failing, so a malformed pair never blocks
// an otherwise-valid batch. The returned broken set holds the ids of
// events whose parent edge was severed; callers must persist those
// rows without the parent reference. Each event id is emitted exactly
// once.
func topoSort(events []*Event) (sorted []*Event, broken map[string]bool) {
	const (
		stateVisiting = 1
		stateVisited  = 2
	)

	// Index by id so parent pointers and duplicate batch entries
	// resolve to one node each.
	index := make(map[string]*Event, len(events))
	var order []string
	collect := events
	for len(collect) > 0 {
		next := collect[:0:0]
		for _, ev := range collect {
			if ev == nil || ev.ID == "" {
				continue
			}
			if _, ok := index[ev.ID]; ok {
				continue
			}
			index[ev.ID] = ev
			order = append(order, ev.ID)
			if ev.Parent != nil {
				next = append(next, ev.Parent)
			}
		}
		collect = next
	}

	state := make(map[string]int, len(index))
	sorted = make([]*Event, 0, len(index))
	broken = make(map[string]bool)

	type frame struct {
		id       string
		expanded bool
	}

	for _, rootID := range order {
		if state[rootID] == stateVisited {
			continue
		}
		stack := []frame{{id: rootID}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			node := index[top.id]
			if !top.expanded {
				top.expanded = true
				state[top.id] = stateVisiting
				if node.Parent != nil {
					parentID := node.Parent.ID
					if _, ok := index[parentID]; ok {
						switch state[parentID] {
						case stateVisiting:
							// Cycle: sever this edge, do not re-traverse.
							broken[top.id] = true
						case stateVisited:
							// Parent already emitted.
						default:
							stack = append(stack, frame{id: parentID})
						}
					}
				}
				continue
			}
			if state[top.id] != stateVisited {
				state[top.id] = stateVisited
				sorted = append(sorted, node)
			}
			stack = stack[:len(stack)-1]
		}
	}
	return sorted, broken
}
