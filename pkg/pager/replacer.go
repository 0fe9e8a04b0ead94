package pager

import (
	"sync"

	"crabdb/pkg/list"
)

// LRUReplacer tracks which resident frames are eligible for eviction.
// It is a FIFO-of-unpinned-frames: the frame that has been unpinned
// for the longest is the next victim. Frames are identified by the
// pagenum of the page currently occupying them, since a pager frame
// has no existence independent of the page it holds.
type LRUReplacer struct {
	capacity int64
	unpinned *list.List           // FIFO of unpinned frame ids, head = next victim.
	links    map[int64]*list.Link // frame id -> its link in `unpinned`, for O(1) removal.
	mtx      sync.Mutex
}

// NewLRUReplacer constructs a replacer for a buffer pool with room for
// `capacity` resident frames.
func NewLRUReplacer(capacity int64) *LRUReplacer {
	return &LRUReplacer{
		capacity: capacity,
		unpinned: list.NewList(),
		links:    make(map[int64]*list.Link),
	}
}

// Unpin marks frameID as a candidate for eviction. No-op if frameID is
// already unpinned or the replacer is at capacity.
func (r *LRUReplacer) Unpin(frameID int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, already := r.links[frameID]; already {
		return
	}
	if int64(len(r.links)) >= r.capacity {
		return
	}
	r.links[frameID] = r.unpinned.PushTail(frameID)
}

// Pin removes frameID from the eviction candidates, since it is no
// longer safe to evict a frame currently in use. No-op if not present.
func (r *LRUReplacer) Pin(frameID int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	link, ok := r.links[frameID]
	if !ok {
		return
	}
	link.PopSelf()
	delete(r.links, frameID)
}

// Victim pops and returns the least-recently-unpinned frame id.
// Returns false if no frame is eligible for eviction.
func (r *LRUReplacer) Victim() (frameID int64, found bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	head := r.unpinned.PeekHead()
	if head == nil {
		return 0, false
	}
	frameID = head.GetValue().(int64)
	head.PopSelf()
	delete(r.links, frameID)
	return frameID, true
}

// Size returns the number of frames currently eligible for eviction.
func (r *LRUReplacer) Size() int64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return int64(len(r.links))
}
