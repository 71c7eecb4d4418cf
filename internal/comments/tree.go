package comments

import "github.com/pawmap/comment-sync-go/internal/protocol"

// Node is one comment in the rendered reply forest.
type Node struct {
	protocol.Comment
	Children []*Node
}

// BuildTree reconstructs the reply forest from the flat collection. Roots
// and sibling groups keep the flat collection's relative order, so the
// newest-first convention carries through every level. Comments whose
// parent is not in the collection are left out of the forest entirely.
//
// The index-then-recurse pass produces the same forest as rescanning the
// flat collection at every level, in linear time.
func BuildTree(flat []protocol.Comment) []*Node {
	children := make(map[string][]protocol.Comment)
	for _, comment := range flat {
		if comment.ParentID != nil {
			children[*comment.ParentID] = append(children[*comment.ParentID], comment)
		}
	}

	var attach func(comment protocol.Comment) *Node
	attach = func(comment protocol.Comment) *Node {
		node := &Node{Comment: comment}
		for _, child := range children[comment.ID] {
			node.Children = append(node.Children, attach(child))
		}
		return node
	}

	forest := make([]*Node, 0, len(flat))
	for _, comment := range flat {
		if comment.ParentID == nil {
			forest = append(forest, attach(comment))
		}
	}
	return forest
}
