package memstore

import (
	"sync/atomic"

	"github.com/agenthands/blobstore/pkg/core"
)

// aliasNode is immutable once published.
type aliasNode struct {
	entry core.BlobAliasLocator
	next  *aliasNode
}

// aliasList is a singly-linked list mutated by compare-and-swap on the head.
// Readers walk a snapshot without locking.
type aliasList struct {
	head atomic.Pointer[aliasNode]
}

func (l *aliasList) add(entry core.BlobAliasLocator) {
	for {
		old := l.head.Load()
		if l.head.CompareAndSwap(old, &aliasNode{entry: entry, next: old}) {
			return
		}
	}
}

// remove splices every node for locator out of the list.
func (l *aliasList) remove(locator core.BlobLocator) {
	for {
		old := l.head.Load()
		updated, removed := without(old, locator)
		if !removed || l.head.CompareAndSwap(old, updated) {
			return
		}
	}
}

// without returns node's list minus the entries for locator. Nodes after the
// last match are shared with the input.
func without(node *aliasNode, locator core.BlobLocator) (*aliasNode, bool) {
	if node == nil {
		return nil, false
	}
	rest, removed := without(node.next, locator)
	if node.entry.Locator == locator {
		return rest, true
	}
	if !removed {
		return node, false
	}
	return &aliasNode{entry: node.entry, next: rest}, true
}
