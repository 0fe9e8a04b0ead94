// Package pager implements the page and pager abstractions used for efficient io operations in our database
package pager

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"crabdb/pkg/config"
	"crabdb/pkg/list"

	"github.com/bits-and-blooms/bitset"
	"github.com/ncw/directio"
)

// Pagesize is the size of an individual page (ie the maximum number of bytes that the page can hold) - defaults to 4kb.
const Pagesize int64 = directio.BlockSize

// Error for when there are no free/unpinned pages to be used
var ErrOutOfMemory = errors.New("no available pages")

// ErrNotFound is returned when an operation addresses a page that is not resident.
var ErrNotFound = errors.New("page not found")

// Pager is a data structure that manages pages of data stored in a file.
// It owns a fixed-size pool of frames; every page it hands out is backed
// by exactly one of those frames for as long as the page is resident.
type Pager struct {
	file     *os.File   // File descriptor for the file that backs this pager on disk.
	numPages int64      // The number of pages that this page has access to (both on disk and in memory).
	freeList *list.List // A list of pre-allocated (but unused) frames, not yet holding any page.
	// pageTable maps every resident pagenum to the frame holding it.
	pageTable map[int64]*Page
	replacer  *LRUReplacer // Tracks which resident, unpinned frames are eviction candidates.
	// freePagenums marks pagenums below numPages that have been deallocated
	// and may be handed out again by GetNewPage.
	freePagenums *bitset.BitSet
	ptMtx        sync.Mutex // Mutex for protecting the Page table for concurrent use.
}

// New constructs a new Pager, backing it with a database file at the specified filePath.
// See [*Pager.Open] for more details on backing the Pager with database files.
func New(filePath string) (pager *Pager, err error) {
	pager = &Pager{}
	pager.pageTable = make(map[int64]*Page)
	pager.freeList = list.NewList()
	pager.replacer = NewLRUReplacer(int64(config.MaxPagesInBuffer))
	pager.freePagenums = bitset.New(uint(config.MaxPagesInBuffer))
	frames := directio.AlignedBlock(int(Pagesize * config.MaxPagesInBuffer))
	for i := 0; i < config.MaxPagesInBuffer; i++ {
		frame := frames[i*int(Pagesize) : (i+1)*int(Pagesize)]
		page := Page{
			pager:   pager,
			pagenum: NoPage,
			dirty:   false,
			data:    frame,
		}
		pager.freeList.PushTail(&page)
	}

	err = pager.Open(filePath)
	if err != nil {
		pager = nil
	}
	return
}

// GetFileName returns the file name/path used to open the pager's backing file.
func (pager *Pager) GetFileName() (filename string) {
	return pager.file.Name()
}

// GetNumPages returns the number of pages.
func (pager *Pager) GetNumPages() (numPages int64) {
	return pager.numPages
}

// GetFreePN returns the next available page number: a previously
// deallocated one if any exist, else the first past the end of the file.
func (pager *Pager) GetFreePN() (nextPN int64) {
	if pn, ok := pager.freePagenums.NextSet(0); ok {
		return int64(pn)
	}
	return pager.numPages
}

// Open (re-)initializes our pager with a database file at the specified filePath.
//
// If the database file didn't exist previously, it is created.
// If the database file does exist but it can't be opened or
// it's contents are not properly aligned to PAGESIZE, returns an error.
// The Pager should not be used if an error is returned.
func (pager *Pager) Open(filePath string) (err error) {
	// Create the necessary prerequisite directories.
	if idx := strings.LastIndex(filePath, "/"); idx != -1 {
		err = os.MkdirAll(filePath[:idx], 0775)
		if err != nil {
			return err
		}
	}
	// Open or create the db file.
	pager.file, err = directio.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return err
	}
	// Get info about the size of the pager.
	var info os.FileInfo
	var len int64
	if info, err = pager.file.Stat(); err == nil {
		len = info.Size()
		if len%Pagesize != 0 {
			return errors.New("DB file has been corrupted")
		}
	}
	// Set the number of pages and hand off initialization to someone else.
	pager.numPages = len / Pagesize
	return nil
}

// Close signals our pager to flush all dirty pages to disk
// and close its backing file.
func (pager *Pager) Close() error {
	// Prevent new data from being paged in.
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	// Check that no pages are still pinned.
	for _, page := range pager.pageTable {
		if page.pinCount.Load() > 0 {
			return errors.New("pages are still pinned on close")
		}
	}
	// Cleanup.
	pager.flushAllPagesLocked()
	return pager.file.Close()
}

// fillPageFromDisk populate a page's data field from the data currently on disk.
// Returns an error if there was an io problem reading from disk.
func (pager *Pager) fillPageFromDisk(page *Page) error {
	if _, err := pager.file.Seek(page.pagenum*Pagesize, 0); err != nil {
		return err
	}
	if _, err := pager.file.Read(page.data); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// acquireFrame returns a currently unused frame: from the free list
// first, else by evicting the replacer's victim (flushing it first if
// dirty). Returns ErrOutOfMemory if every frame is pinned.
// The ptMtx should be locked on entry.
func (pager *Pager) acquireFrame(pagenum int64) (newPage *Page, err error) {
	if freeLink := pager.freeList.PeekHead(); freeLink != nil {
		freeLink.PopSelf()
		newPage = freeLink.GetValue().(*Page)
	} else if victimPN, ok := pager.replacer.Victim(); ok {
		newPage = pager.pageTable[victimPN]
		pager.FlushPage(newPage)
		delete(pager.pageTable, victimPN)
	} else {
		return nil, ErrOutOfMemory
	}
	newPage.pagenum = pagenum
	newPage.dirty = false
	newPage.pinCount.Store(1)
	return newPage, nil
}

// GetNewPage returns a new Page with the next available pagenum,
// preferring pagenums handed back by DeletePage over growing the file.
func (pager *Pager) GetNewPage() (page *Page, err error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	var pagenum int64
	if pn, ok := pager.freePagenums.NextSet(0); ok {
		pagenum = int64(pn)
		pager.freePagenums.Clear(pn)
	} else {
		pagenum = pager.numPages
		pager.numPages++
	}
	page, err = pager.acquireFrame(pagenum)
	if err != nil {
		if pagenum == pager.numPages-1 {
			pager.numPages--
		} else {
			pager.freePagenums.Set(uint(pagenum))
		}
		return nil, err
	}
	// The frame may still hold its previous occupant's bytes.
	for i := range page.data {
		page.data[i] = 0
	}
	// Mark dirty so new page is eventually flushed to disk.
	page.dirty = true
	pager.pageTable[pagenum] = page
	return page, nil
}

// GetPage returns an existing Page corresponding to the given pagenum.
func (pager *Pager) GetPage(pagenum int64) (page *Page, err error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	if pagenum < 0 || pagenum > pager.numPages-1 || pager.freePagenums.Test(uint(pagenum)) {
		return nil, ErrNotFound
	}
	if page, ok := pager.pageTable[pagenum]; ok {
		// The page may have been an eviction candidate; pinning it again
		// takes it out of contention.
		pager.replacer.Pin(pagenum)
		page.Get()
		return page, nil
	}

	page, err = pager.acquireFrame(pagenum)
	if err != nil {
		return nil, err
	}

	page.dirty = false
	err = pager.fillPageFromDisk(page)
	if err != nil {
		pager.freeList.PushTail(page)
		return nil, err
	}

	pager.pageTable[pagenum] = page
	return page, nil
}

// PutPage releases a reference to a page, the Unpin operation of the buffer
// pool manager. It takes no dirty flag and leaves the page's dirty bit as
// it is; a page is marked dirty by Update or SetDirty.
func (pager *Pager) PutPage(page *Page) (err error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	ret := page.Put()
	if ret == 0 {
		pager.replacer.Unpin(page.pagenum)
	}
	if ret < 0 {
		return errors.New("pinCount for page is < 0")
	}
	return nil
}

// DeletePage removes a page from the buffer pool and returns its frame to
// the free list. Returns true if the page was already absent. Returns an
// error (and leaves the page resident) if the page is still pinned.
//
// A dirty-but-unpinned page being deleted is never flushed first: its id
// is being freed, so the bytes on disk for it no longer matter.
func (pager *Pager) DeletePage(pagenum int64) (bool, error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	page, ok := pager.pageTable[pagenum]
	if !ok {
		return true, nil
	}
	if page.pinCount.Load() != 0 {
		return false, errors.New("cannot delete a pinned page")
	}
	pager.replacer.Pin(pagenum) // remove from eviction candidates, if present
	delete(pager.pageTable, pagenum)
	page.pagenum = NoPage
	page.dirty = false
	pager.freeList.PushTail(page)
	pager.freePagenums.Set(uint(pagenum))
	return false, nil
}

// FlushPage flushes a particular page's data to disk if it is dirty.
// Concurrency note: the page should at least be read-locked upon entry.
func (pager *Pager) FlushPage(page *Page) {
	if page.IsDirty() {
		pager.file.WriteAt(
			page.data,
			page.pagenum*Pagesize,
		)
		page.SetDirty(false)
	}
}

// FlushAllPages flushes all dirty pages to disk.
// Concurrency note: the pager's mutex and all it's pages should be read-locked upon entry.
func (pager *Pager) FlushAllPages() {
	pager.flushAllPagesLocked()
}

// flushAllPagesLocked is FlushAllPages' body; ptMtx must already be held.
func (pager *Pager) flushAllPagesLocked() {
	for _, page := range pager.pageTable {
		pager.FlushPage(page)
	}
}

// [RECOVERY] Read locks the pager and all of the pager's pages.
func (pager *Pager) LockAllPages() {
	pager.ptMtx.Lock()
	for _, page := range pager.pageTable {
		page.RLock()
	}
}

// [RECOVERY] Read unlocks the pager and all of the pager's pages.
func (pager *Pager) UnlockAllPages() {
	for _, page := range pager.pageTable {
		page.RUnlock()
	}
	pager.ptMtx.Unlock()
}
