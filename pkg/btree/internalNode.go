package btree

import (
	"crabdb/pkg/pager"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// InternalNode represents a non-leaf node in our B+Tree that stores search keys
// and pointers to child nodes to aid traversal.
type InternalNode struct {
	NodeHeader      // Embeds all NodeHeader fields.
	parent     Node // A pointer to the parent node (only used in CONCURRENCY for unlocking)
}

// insert finds the appropriate place in a leaf node to insert a new tuple.
// [CONCURRENCY]
// - Unlock parents if it is impossible to split in this operation
// - Continue with hand-over-hand locking with child node
func (node *InternalNode) insert(key int64, value int64, update bool) (Split, error) {
	// Insert the entry into the appropriate child node.
	// [CONCURRENCY] Unlock parents if it is impossible to split in this operation
	if !node.canSplit() {
		node.unlockParents()
	}
	childIdx := node.search(key)
	child, childErr := node.getAndLockChildAt(childIdx)
	node.initChild(child)
	if childErr != nil {
		return Split{}, childErr
	}

	pager := child.getPage().GetPager()
	defer pager.PutPage(child.getPage())
	// Insert value into the child.

	result, childErr := child.insert(key, value, update)
	if childErr != nil {
		node.unlockParents()
		return Split{}, childErr
	}
	// Insert a new key into our node if necessary.
	if result.isSplit {
		split, insertSplitErr := node.insertSplit(result)
		if !split.isSplit {
			node.unlockParents()
		}
		node.unlock()
		return split, insertSplitErr
	}
	node.unlockParents()
	// This is the case when there was no split and no child err
	return Split{}, nil
}

// insertSplit inserts a split result into an internal node.
// If this insertion results in another split, the split is cascaded upwards.
func (node *InternalNode) insertSplit(split Split) (Split, error) {
	insertPos := node.search(split.key)
	// Shift keys to the right.
	for i := node.numKeys - 1; i >= insertPos; i-- {
		node.updateKeyAt(i+1, node.getKeyAt(i))
	}
	// Shift children to the right.
	for i := node.numKeys; i > insertPos; i-- {
		node.updatePNAt(i+1, node.getPNAt(i))
	}
	// Insert the new key and pagenumber at this position.
	node.updateKeyAt(insertPos, split.key)
	node.updatePNAt(insertPos+1, split.rightPN)
	node.updateNumKeys(node.numKeys + 1)
	// Check if we need to split.
	if node.numKeys >= KEYS_PER_INTERNAL_NODE {
		return node.split()
	}
	return Split{}, nil
}

// split is a helper function that splits an internal node, then propagates the split upwards.
func (node *InternalNode) split() (Split, error) {
	// Create a new internal node to move half our keys to
	newNode, err := createInternalNode(node.page.GetPager())
	if err != nil {
		return Split{}, err
	}
	pager := newNode.getPage().GetPager()
	defer pager.PutPage(newNode.getPage())
	// Compute the midpoint index based on the number of children to move
	midpoint := (node.numKeys - 1) / 2
	// Transfer the keys to the right of the midpoint to the new node.
	for i := midpoint + 1; i < node.numKeys; i++ {
		newNode.updatePNAt(newNode.numKeys, node.getPNAt(i))
		newNode.updateKeyAt(newNode.numKeys, node.getKeyAt(i))
		newNode.updateNumKeys(newNode.numKeys + 1)
	}
	newNode.updatePNAt(newNode.numKeys, node.getPNAt(node.numKeys))

	middleKey := node.getKeyAt(midpoint)
	node.updateNumKeys(midpoint)
	// Propagate the split.
	return Split{
		isSplit: true,
		key:     middleKey,
		leftPN:  node.page.GetPageNum(),
		rightPN: newNode.page.GetPageNum(),
	}, nil
}

// delete removes the entry with the given key from the subtree rooted at this
// node. If the child the key lives under underflows, repairs it by borrowing
// from or merging with an adjacent sibling, and reports whether this node
// underflowed in turn (see the Node interface for the latch contract).
func (node *InternalNode) delete(key int64) bool {
	// [CONCURRENCY] Release the ancestor chain up front unless a child merge
	// could remove a separator from this node and propagate further.
	if node.safeForDelete() {
		node.unlockParents()
	}
	// Get the next child node where the key would be located under
	childIdx := node.search(key)
	child, err := node.getAndLockChildAt(childIdx)
	if err != nil {
		node.unlockParents()
		node.unlock()
		return false
	}
	// [CONCURRENCY] initialize child node's parent pointer
	node.initChild(child)
	pgr := child.getPage().GetPager()
	// Delete from child. If the child stayed at or above its minimum it has
	// already released the whole latch chain, including us.
	if !child.delete(key) {
		pgr.PutPage(child.getPage())
		return false
	}
	// The child underflowed; our latch (and any unsafe ancestors') is still
	// held, so no other traversal can reach the deficient child.
	emptiedPN := node.fixChildAt(childIdx)
	pgr.PutPage(child.getPage())
	if emptiedPN != pager.NoPage {
		// Every latch and pin on the merged-away page is gone; release its
		// frame and hand the page back.
		pgr.DeletePage(emptiedPN)
	}
	defer node.unlock()
	if node.isRoot() {
		// An internal root left with a single child collapses; the caller
		// (holding the tree latch) performs the collapse.
		if node.numKeys == 0 {
			return true
		}
		node.unlockParents()
		return false
	}
	if node.numKeys >= INTERNAL_NODE_MIN_KEYS {
		node.unlockParents()
		return false
	}
	return true
}

// safeForDelete reports whether removing one separator from this node cannot
// propagate structural changes to its parent.
func (node *InternalNode) safeForDelete() bool {
	if node.isRoot() {
		// The root collapses only once a merge leaves it with a single child.
		return node.numKeys > 1
	}
	return node.numKeys > INTERNAL_NODE_MIN_KEYS
}

// fixChildAt repairs the underflowed child at childIdx by redistributing an
// entry from an adjacent sibling when the pair has entries to spare, and by
// merging the pair into its left member otherwise. The pair's pages are
// re-latched left-to-right; this node's latch must already be held.
// Returns the pagenum of the page emptied by a merge (NoPage when the pair
// was redistributed instead) so the caller can release it once its own pin
// on the child is gone.
func (node *InternalNode) fixChildAt(childIdx int64) int64 {
	if node.numKeys == 0 {
		// Single child, no sibling to repair with.
		return pager.NoPage
	}
	// Work on the adjacent pair (leftIdx, leftIdx+1), preferring the left
	// sibling when the deficient child has one.
	leftIdx := childIdx - 1
	if childIdx == 0 {
		leftIdx = 0
	}
	pgr := node.page.GetPager()
	leftPage, err := pgr.GetPage(node.getPNAt(leftIdx))
	if err != nil {
		return pager.NoPage
	}
	defer pgr.PutPage(leftPage)
	rightPage, err := pgr.GetPage(node.getPNAt(leftIdx + 1))
	if err != nil {
		return pager.NoPage
	}
	defer pgr.PutPage(rightPage)
	leftPage.WLock()
	rightPage.WLock()
	defer leftPage.WUnlock()
	defer rightPage.WUnlock()
	emptiedPN := int64(pager.NoPage)
	if pageToNodeHeader(leftPage).nodeType == LEAF_NODE {
		left, right := pageToLeafNode(leftPage), pageToLeafNode(rightPage)
		if left.numKeys+right.numKeys >= ENTRIES_PER_LEAF_NODE {
			node.redistributeLeaves(left, right, leftIdx, childIdx == leftIdx)
		} else {
			node.coalesceLeaves(left, right, leftIdx)
			emptiedPN = rightPage.GetPageNum()
		}
	} else {
		left, right := pageToInternalNode(leftPage), pageToInternalNode(rightPage)
		if left.numKeys+right.numKeys >= KEYS_PER_INTERNAL_NODE {
			node.redistributeInternals(left, right, leftIdx, childIdx == leftIdx)
		} else {
			node.coalesceInternals(left, right, leftIdx)
			emptiedPN = rightPage.GetPageNum()
		}
	}
	return emptiedPN
}

// redistributeLeaves moves one entry across the (left, right) leaf boundary
// toward the deficient member and rewrites the separator at sepIdx.
func (node *InternalNode) redistributeLeaves(left *LeafNode, right *LeafNode, sepIdx int64, leftDeficient bool) {
	if leftDeficient {
		// Shift the right sibling's first entry onto the end of the left.
		left.modifyEntry(left.numKeys, right.getEntry(0))
		left.updateNumKeys(left.numKeys + 1)
		for i := int64(0); i < right.numKeys-1; i++ {
			right.modifyEntry(i, right.getEntry(i+1))
		}
		right.updateNumKeys(right.numKeys - 1)
	} else {
		// Shift the left sibling's last entry onto the front of the right.
		for i := right.numKeys - 1; i >= 0; i-- {
			right.modifyEntry(i+1, right.getEntry(i))
		}
		right.modifyEntry(0, left.getEntry(left.numKeys-1))
		right.updateNumKeys(right.numKeys + 1)
		left.updateNumKeys(left.numKeys - 1)
	}
	node.updateKeyAt(sepIdx, right.getKeyAt(0))
}

// coalesceLeaves merges the right leaf into the left, relinks the leaf chain,
// and drops the separator at sepIdx from this node.
func (node *InternalNode) coalesceLeaves(left *LeafNode, right *LeafNode, sepIdx int64) {
	for i := int64(0); i < right.numKeys; i++ {
		left.modifyEntry(left.numKeys+i, right.getEntry(i))
	}
	left.updateNumKeys(left.numKeys + right.numKeys)
	left.setRightSibling(right.rightSiblingPN)
	node.removeAt(sepIdx)
}

// redistributeInternals rotates one key through the separator at sepIdx
// toward the deficient member of the (left, right) internal pair.
func (node *InternalNode) redistributeInternals(left *InternalNode, right *InternalNode, sepIdx int64, leftDeficient bool) {
	if leftDeficient {
		// Pull the separator down onto the left and push the right
		// sibling's first key up in its place.
		left.updateKeyAt(left.numKeys, node.getKeyAt(sepIdx))
		left.updatePNAt(left.numKeys+1, right.getPNAt(0))
		left.updateNumKeys(left.numKeys + 1)
		node.updateKeyAt(sepIdx, right.getKeyAt(0))
		for i := int64(0); i < right.numKeys-1; i++ {
			right.updateKeyAt(i, right.getKeyAt(i+1))
		}
		for i := int64(0); i < right.numKeys; i++ {
			right.updatePNAt(i, right.getPNAt(i+1))
		}
		right.updateNumKeys(right.numKeys - 1)
	} else {
		// Pull the separator down onto the right and push the left
		// sibling's last key up in its place.
		for i := right.numKeys - 1; i >= 0; i-- {
			right.updateKeyAt(i+1, right.getKeyAt(i))
		}
		for i := right.numKeys; i >= 0; i-- {
			right.updatePNAt(i+1, right.getPNAt(i))
		}
		right.updateKeyAt(0, node.getKeyAt(sepIdx))
		right.updatePNAt(0, left.getPNAt(left.numKeys))
		right.updateNumKeys(right.numKeys + 1)
		node.updateKeyAt(sepIdx, left.getKeyAt(left.numKeys-1))
		left.updateNumKeys(left.numKeys - 1)
	}
}

// coalesceInternals concatenates the left node's keys and children, the
// separator at sepIdx pulled down from this node, and the right node's keys
// and children, then drops the separator.
func (node *InternalNode) coalesceInternals(left *InternalNode, right *InternalNode, sepIdx int64) {
	left.updateKeyAt(left.numKeys, node.getKeyAt(sepIdx))
	for i := int64(0); i < right.numKeys; i++ {
		left.updateKeyAt(left.numKeys+1+i, right.getKeyAt(i))
	}
	for i := int64(0); i <= right.numKeys; i++ {
		left.updatePNAt(left.numKeys+1+i, right.getPNAt(i))
	}
	left.updateNumKeys(left.numKeys + right.numKeys + 1)
	node.removeAt(sepIdx)
}

// removeAt drops the separator key at sepIdx and the child pointer to its
// right from this node.
func (node *InternalNode) removeAt(sepIdx int64) {
	for i := sepIdx; i < node.numKeys-1; i++ {
		node.updateKeyAt(i, node.getKeyAt(i+1))
	}
	for i := sepIdx + 1; i < node.numKeys; i++ {
		node.updatePNAt(i, node.getPNAt(i+1))
	}
	node.updateNumKeys(node.numKeys - 1)
}

// get returns the value associated with a given key from the leaf node.
func (node *InternalNode) get(key int64) (value int64, found bool) {
	// [CONCURRENCY] Unlock parents.
	node.unlockParents()
	// Find the child.
	childIdx := node.search(key)
	child, err := node.getAndLockChildAt(childIdx)
	if err != nil {
		return 0, false
	}
	// [CONCURRENCY] initialize child's parent pointer
	node.initChild(child)
	pager := child.getPage().GetPager()
	defer pager.PutPage(child.getPage())
	return child.get(key)
}

/////////////////////////////////////////////////////////////////////////////
///////////////////// Internal Node  Helper Functions ///////////////////////
/////////////////////////////////////////////////////////////////////////////

// search returns the first index where key > given key.
// If no such index exists, it returns numKeys.
func (node *InternalNode) search(key int64) int64 {
	// Binary search for the key.
	minIndex := sort.Search(
		int(node.numKeys),
		func(idx int) bool {
			return node.getKeyAt(int64(idx)) > key
		},
	)
	return int64(minIndex)
}

// printNode pretty prints our internal node.
func (node *InternalNode) printNode(w io.Writer, firstPrefix string, prefix string) {
	// Format header data.
	var nodeType string = "Internal"
	var isRoot string
	if node.isRoot() {
		isRoot = " (root)"
	}
	numKeys := strconv.Itoa(int(node.numKeys + 1))
	// Print header data.
	io.WriteString(w, fmt.Sprintf("%v[%v] %v%v size: %v\n",
		firstPrefix, node.page.GetPageNum(), nodeType, isRoot, numKeys))
	// Print entries.
	nextFirstPrefix := prefix + " |--> "
	nextPrefix := prefix + " |    "
	for idx := int64(0); idx <= node.numKeys; idx++ {
		io.WriteString(w, fmt.Sprintf("%v\n", nextPrefix))
		child, err := node.getChildAt(idx)
		if err != nil {
			return
		}
		pager := child.getPage().GetPager()
		defer pager.PutPage(child.getPage())
		child.printNode(w, nextFirstPrefix, nextPrefix)
		if idx != node.numKeys {
			io.WriteString(w, fmt.Sprintf("\n%v[KEY] %v\n", nextPrefix, node.getKeyAt(idx)))
		}
	}
}

// pageToInternalNode returns the internal node corresponding to the given page.
// Concurrency note: the given page must at least be read-locked before calling.
func pageToInternalNode(page *pager.Page) *InternalNode {
	nodeHeader := pageToNodeHeader(page)
	return &InternalNode{nodeHeader, nil}
}

// createInternalNode creates and returns a new internal node.
// Nodes created with this function must use `PutPage()` accordingly after use.
func createInternalNode(pager *pager.Pager) (*InternalNode, error) {
	newPage, err := pager.GetNewPage()
	if err != nil {
		return &InternalNode{}, err
	}
	initPage(newPage, INTERNAL_NODE)
	return pageToInternalNode(newPage), nil
}

// getPage returns the internal node's page.
func (node *InternalNode) getPage() *pager.Page {
	return node.page
}

// getNodeType returns internalNode.
func (node *InternalNode) getNodeType() NodeType {
	return node.nodeType
}

// copy copies the metadata and data of the passed in InternalNode to this InternalNode.
// Concurrency note: the toCopy node's page must at least be read-locked before calling.
func (node *InternalNode) copy(toCopy *InternalNode) {
	node.page.Update(toCopy.page.GetData(), 0, pager.Pagesize)
	node.updateNumKeys(toCopy.numKeys)
}

// isRoot returns true if the current node is the root node.
func (node *InternalNode) isRoot() bool {
	return node.page.GetPageNum() == ROOT_PN
}

// keyPos returns the offset in the page to the internal node's ith key.
func keyPos(index int64) int64 {
	return KEYS_OFFSET + index*KEY_SIZE
}

// pnPos returns the page offset to the internal node's ith child's pagenumber
func pnPos(index int64) int64 {
	return PNS_OFFSET + index*PN_SIZE
}

// getKeyAt returns the key stored at the given index of the internal node.
// Concurrency note: this InternalNode's page should at least be read-locked before calling.
func (node *InternalNode) getKeyAt(index int64) int64 {
	startPos := keyPos(index)
	key, _ := binary.Varint(node.page.GetData()[startPos : startPos+KEY_SIZE])
	return key
}

// updateKeyAt updates the key at the given index of the internal node.
func (node *InternalNode) updateKeyAt(index int64, newKey int64) {
	// Serialize the key data
	data := make([]byte, KEY_SIZE)
	binary.PutVarint(data, newKey)
	startPos := keyPos(index)
	node.page.Update(data, startPos, KEY_SIZE)
}

// getPNAt returns the pagenumber stored at the given index of the internal node.
// Concurrency note: this InternalNode's page should at least be read-locked before calling.
func (node *InternalNode) getPNAt(index int64) int64 {
	startPos := pnPos(index)
	pagenum, _ := binary.Varint(node.page.GetData()[startPos : startPos+PN_SIZE])
	return pagenum
}

// updatePNAt updates the pagenumber at the given index of the internal node.
func (node *InternalNode) updatePNAt(index int64, newPagenum int64) {
	// Serialize the pagenum data
	data := make([]byte, PN_SIZE)
	binary.PutVarint(data, newPagenum)
	startPos := pnPos(index)
	node.page.Update(data, startPos, PN_SIZE)
}

// getChildAt returns the internal node's ith child.
// Child nodes retrieved via this function must call `PutPage()` accordingly after use.
// Concurrency note: this InternalNode's page should at least be read-locked before calling.
func (node *InternalNode) getChildAt(index int64) (Node, error) {
	// Get the child's page
	pagenum := node.getPNAt(index)
	page, err := node.page.GetPager().GetPage(pagenum)
	if err != nil {
		return &InternalNode{}, err
	}
	return pageToNode(page), nil
}

// getAndLockChildAt write locks and returns the internal node's ith child.
// Child nodes retrieved via this function must call `PutPage()` accordingly after use.
// Concurrency note: this InternalNode's page should at least be read-locked before calling.
func (node *InternalNode) getAndLockChildAt(index int64) (Node, error) {
	// Get the child's page
	pagenum := node.getPNAt(index)
	page, err := node.page.GetPager().GetPage(pagenum)
	if err != nil {
		return &InternalNode{}, err
	}
	page.WLock()
	return pageToNode(page), nil
}

// updateNumKeys updates the numKeys field in the node struct and the underlying page.
func (node *InternalNode) updateNumKeys(newNumKeys int64) {
	node.numKeys = newNumKeys
	// Write the new data to the page
	nKeysData := make([]byte, NUM_KEYS_SIZE)
	binary.PutVarint(nKeysData, newNumKeys)
	node.page.Update(nKeysData, NUM_KEYS_OFFSET, NUM_KEYS_SIZE)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Lock Helper Functions ////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// [CONCURRENCY] Sets the parent pointer of the passed-in child node to this internal node.
func (node *InternalNode) initChild(child Node) {
	// Set the NodeLockHeader parent field to be this node and lock the node.
	switch castedChild := child.(type) {
	case *InternalNode:
		castedChild.parent = node
	case *LeafNode:
		castedChild.parent = node
	}
}

// canSplit returns whether this node has the capability to split in the next insert operation.
func (node *InternalNode) canSplit() bool {
	return node.numKeys == KEYS_PER_INTERNAL_NODE-1
}

// unlockParents unlocks all of this node's locked parents.
func (node *InternalNode) unlockParents() {
	// Remove this node's parent pointer
	parent := node.parent
	node.parent = nil
	// Parent pointers are only set if the node's parent is locked -
	// take advantage of this to iteratively unlock all locked parents
	for parent != nil {
		switch castedParent := parent.(type) {
		case *InternalNode:
			parent = castedParent.parent
			castedParent.unlock()
		case *LeafNode:
			panic("Should never have a leaf as a parent")
		}
	}
}

// unlock unlocks this internal node.
func (node *InternalNode) unlock() {
	node.parent = nil
	node.page.WUnlock()
}
