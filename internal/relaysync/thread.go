package relaysync

import (
	"sort"
)

type ThreadNode struct {
	Record   Record
	Children []*ThreadNode
}

// BuildTree groups records by parent_id. A record whose parent is absent is
// a root. Deleted records (tombstones and pending deletes) are left out and
// their children attach to the nearest live ancestor.
func BuildTree(records []Record) []*ThreadNode {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SortKey().Less(sorted[j].SortKey())
	})

	byID := make(map[string]Record, len(sorted))
	for _, rec := range sorted {
		byID[rec.ID] = rec
	}
	nodes := make(map[string]*ThreadNode, len(sorted))
	for _, rec := range sorted {
		if !rec.Visible() {
			continue
		}
		nodes[rec.ID] = &ThreadNode{Record: rec}
	}

	parentOf := make(map[string]string, len(nodes))
	for _, rec := range sorted {
		if _, ok := nodes[rec.ID]; ok {
			parentOf[rec.ID] = liveAncestor(rec, byID)
		}
	}
	// A cycle among live records is broken at its earliest member.
	for _, rec := range sorted {
		if _, ok := nodes[rec.ID]; !ok {
			continue
		}
		seen := map[string]struct{}{}
		for cur := parentOf[rec.ID]; cur != ""; cur = parentOf[cur] {
			if cur == rec.ID {
				parentOf[rec.ID] = ""
				break
			}
			if _, dup := seen[cur]; dup {
				break
			}
			seen[cur] = struct{}{}
		}
	}

	var roots []*ThreadNode
	for _, rec := range sorted {
		node, ok := nodes[rec.ID]
		if !ok {
			continue
		}
		if parent, ok := nodes[parentOf[rec.ID]]; ok {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots
}

func liveAncestor(rec Record, byID map[string]Record) string {
	seen := map[string]struct{}{rec.ID: {}}
	parentID := rec.ParentID()
	for parentID != "" {
		if _, loop := seen[parentID]; loop {
			return ""
		}
		seen[parentID] = struct{}{}
		parent, ok := byID[parentID]
		if !ok {
			return ""
		}
		if parent.Visible() {
			return parentID
		}
		parentID = parent.ParentID()
	}
	return ""
}

func CountNodes(roots []*ThreadNode) int {
	n := 0
	for _, node := range roots {
		n += 1 + CountNodes(node.Children)
	}
	return n
}
