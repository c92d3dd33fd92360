package ptw

// LookupStep performs a single-level descent from node: it reads the entry
// at the index virt selects at node.Depth and reports either the mapped
// physical address (Memory), the next node to descend into (depth+1), or
// that nothing is mapped there (Invalid).
func LookupStep(node Root, virt uintptr) (uint64, Depth) {
	shift := shifts[node.Depth]
	idx := (uint64(virt) >> shift) & uint64(entriesPerNode-1)

	e := nodeAt(node.PA)[idx]
	if !e.present() {
		return 0, Invalid
	}

	if e.hugePage() || node.Depth == Bottom {
		return e.frame(), Memory
	}

	return e.frame(), node.Depth + 1
}

// Translate walks root down to a leaf for virt, returning the mapped
// physical address and Memory, or 0 and Invalid if no mapping covers virt.
func (w *PTW) Translate(root Root, virt uintptr) (uint64, Depth) {
	root = resolveRoot(root)

	cur := root
	for {
		pa, depth := LookupStep(cur, virt)
		if depth == Invalid || depth == Memory {
			return pa, depth
		}
		cur = Root{PA: pa, Depth: depth}
	}
}
