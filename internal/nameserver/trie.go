package nameserver

// pathTrie maps full paths ("folder/name" or a bare name) to file ids.
// It is a plain byte trie; the registry mutex serialises access, so
// the trie itself carries no locking.
type pathTrie struct {
	root *trieNode
}

type trieNode struct {
	children map[byte]*trieNode
	id       FileID
	terminal bool
}

func newPathTrie() *pathTrie {
	return &pathTrie{root: &trieNode{}}
}

func (t *pathTrie) put(key string, id FileID) {
	if key == "" {
		return
	}
	node := t.root
	for i := 0; i < len(key); i++ {
		if node.children == nil {
			node.children = make(map[byte]*trieNode)
		}
		next, ok := node.children[key[i]]
		if !ok {
			next = &trieNode{}
			node.children[key[i]] = next
		}
		node = next
	}
	node.id = id
	node.terminal = true
}

func (t *pathTrie) get(key string) (FileID, bool) {
	node := t.walk(key)
	if node == nil || !node.terminal {
		return noFile, false
	}
	return node.id, true
}

func (t *pathTrie) remove(key string) {
	node := t.walk(key)
	if node != nil {
		node.terminal = false
	}
}

func (t *pathTrie) walk(key string) *trieNode {
	node := t.root
	for i := 0; i < len(key); i++ {
		next, ok := node.children[key[i]]
		if !ok {
			return nil
		}
		node = next
	}
	return node
}
