package listcore

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// cancellation is a normal outcome, not a failure
var ErrContentCanceled = errors.New("content request canceled")

// the identity has no async content to load
var ErrNoContent = errors.New("no content for identity")

// loaded auxiliary content for one identity (decoded image, derived text).
// `ByteCount` is the decoded cost used for cache accounting, since content
// items vary enormously in size.
type Content struct {
	Value     any
	ByteCount ByteCount
}

// caller-supplied fetch. Must honor `ctx` at its next checkpoint; the
// loader never retries a failed fetch
type FetchFunction = func(ctx context.Context) (*Content, error)

// in-flight asynchronous work for one identity's content. Multiple handles
// may share one underlying fetch; each handle cancels independently.
type ContentHandle struct {
	identity   Identity
	contentKey ContentKey

	fetch *contentFetch

	resolveOnce sync.Once
	done        chan struct{}
	content     *Content
	err         error
}

func newContentHandle(identity Identity, contentKey ContentKey, fetch *contentFetch) *ContentHandle {
	return &ContentHandle{
		identity:   identity,
		contentKey: contentKey,
		fetch:      fetch,
		done:       make(chan struct{}),
	}
}

func (self *ContentHandle) Identity() Identity {
	return self.identity
}

func (self *ContentHandle) ContentKey() ContentKey {
	return self.contentKey
}

func (self *ContentHandle) Done() <-chan struct{} {
	return self.done
}

// blocks until the handle resolves
func (self *ContentHandle) Result() (*Content, error) {
	<-self.done
	return self.content, self.err
}

func (self *ContentHandle) Resolved() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}

func (self *ContentHandle) resolve(content *Content, err error) {
	self.resolveOnce.Do(func() {
		self.content = content
		self.err = err
		close(self.done)
	})
}

// one deduplicated fetch shared by all handles for an identity
type contentFetch struct {
	identity   Identity
	contentKey ContentKey

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by the loader state lock
	handles     []*ContentHandle
	handleCount int
}

func DefaultContentLoaderSettings() *ContentLoaderSettings {
	return &ContentLoaderSettings{
		CacheByteCountBudget: mib(64),
	}
}

type ContentLoaderSettings struct {
	// total decoded-bytes budget for completed results. Eviction is
	// oldest-access-first.
	CacheByteCountBudget ByteCount
}

// fetches per-identity content with in-flight deduplication and
// reference-counted cooperative cancellation. Deduplication is keyed by
// identity, never by slot or positional index, because positions are not
// stable across recycling.
// Internally synchronized; safe to call from any goroutine.
type ContentLoader struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ContentLoaderSettings

	stateLock sync.Mutex
	inflight  map[Identity]*contentFetch
	cache     *contentCache

	stats map[string]uint64
}

func NewContentLoaderWithDefaults(ctx context.Context) *ContentLoader {
	return NewContentLoader(ctx, DefaultContentLoaderSettings())
}

func NewContentLoader(ctx context.Context, settings *ContentLoaderSettings) *ContentLoader {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ContentLoader{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		inflight: map[Identity]*contentFetch{},
		cache:    newContentCache(settings.CacheByteCountBudget),
		stats: map[string]uint64{
			"cache_hit":   0,
			"cache_miss":  0,
			"fetch":       0,
			"cancel":      0,
			"evict":       0,
			"fetch_error": 0,
		},
	}
}

// starts or joins a fetch for `identity`. If a request for the same
// identity and content key is already in flight, the returned handle
// shares the existing work; all callers observe the same eventual result.
// A different content key for the same identity invalidates the cached
// result and supersedes the in-flight fetch.
func (self *ContentLoader) Request(
	identity Identity,
	contentKey ContentKey,
	fetch FetchFunction,
) *ContentHandle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if content, cachedContentKey, ok := self.cache.get(identity); ok {
		if cachedContentKey == contentKey {
			self.stats["cache_hit"] += 1
			handle := newContentHandle(identity, contentKey, nil)
			handle.resolve(content, nil)
			return handle
		}
		// content changed for the same identity
		self.cache.remove(identity)
	}
	self.stats["cache_miss"] += 1

	if existingFetch, ok := self.inflight[identity]; ok {
		if existingFetch.contentKey == contentKey {
			handle := newContentHandle(identity, contentKey, existingFetch)
			existingFetch.handles = append(existingFetch.handles, handle)
			existingFetch.handleCount += 1
			return handle
		}
		// supersede the stale fetch
		delete(self.inflight, identity)
		existingFetch.cancel()
		for _, handle := range existingFetch.handles {
			handle.resolve(nil, ErrContentCanceled)
		}
	}

	fetchCtx, fetchCancel := context.WithCancel(self.ctx)
	newFetch := &contentFetch{
		identity:   identity,
		contentKey: contentKey,
		ctx:        fetchCtx,
		cancel:     fetchCancel,
	}
	handle := newContentHandle(identity, contentKey, newFetch)
	newFetch.handles = []*ContentHandle{handle}
	newFetch.handleCount = 1
	self.inflight[identity] = newFetch
	self.stats["fetch"] += 1

	go self.runFetch(newFetch, fetch)

	return handle
}

func (self *ContentLoader) runFetch(contentFetch *contentFetch, fetch FetchFunction) {
	content, err := fetch(contentFetch.ctx)
	if err == nil && content == nil {
		err = errors.New("fetch returned no content")
	}
	if err != nil && contentFetch.ctx.Err() != nil {
		err = ErrContentCanceled
	}

	var handles []*ContentHandle
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.inflight[contentFetch.identity] == contentFetch {
			delete(self.inflight, contentFetch.identity)
		}
		handles = contentFetch.handles
		contentFetch.handles = nil

		if err == nil {
			self.cache.put(contentFetch.identity, contentFetch.contentKey, content)
			self.stats["evict"] += uint64(self.cache.evict())
		} else if err != ErrContentCanceled {
			self.stats["fetch_error"] += 1
		}
	}()

	if err != nil && err != ErrContentCanceled {
		glog.V(1).Infof("[loader]fetch error %s = %s\n", contentFetch.identity, err)
	}
	for _, handle := range handles {
		handle.resolve(content, err)
	}
}

// cancels one handle. The underlying fetch is signaled to stop only when
// every outstanding handle for the identity has been canceled.
// Cancellation is cooperative; the fetch may still complete, so callers
// must re-verify their binding before applying any late result.
func (self *ContentLoader) Cancel(handle *ContentHandle) {
	if handle == nil {
		return
	}
	handle.resolve(nil, ErrContentCanceled)

	contentFetch := handle.fetch
	if contentFetch == nil {
		// resolved from cache
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stats["cancel"] += 1
	contentFetch.handleCount -= 1
	if contentFetch.handleCount <= 0 {
		if self.inflight[contentFetch.identity] == contentFetch {
			delete(self.inflight, contentFetch.identity)
		}
		contentFetch.cancel()
	}
}

// peek at the cached result without starting a fetch
func (self *ContentLoader) CachedContent(identity Identity) (*Content, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	content, _, ok := self.cache.get(identity)
	return content, ok
}

// peek at the cached result, treating a result loaded for a different
// content key as missing
func (self *ContentLoader) CachedContentForKey(identity Identity, contentKey ContentKey) (*Content, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	content, cachedContentKey, ok := self.cache.get(identity)
	if !ok || cachedContentKey != contentKey {
		return nil, false
	}
	return content, true
}

// drops the cached result for an identity
func (self *ContentLoader) InvalidateContent(identity Identity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.cache.remove(identity)
}

func (self *ContentLoader) CacheSize() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.cache.size()
}

func (self *ContentLoader) Stats() map[string]uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.stats)
}

func (self *ContentLoader) Close() {
	self.cancel()
}

type contentCacheItem struct {
	identity   Identity
	contentKey ContentKey
	content    *Content

	accessTick uint64

	// the index of the item in the heap
	heapIndex int
}

// completed results keyed by identity, bounded by a decoded-bytes budget.
// Eviction order is oldest access first, tracked with an indexed min heap
// over access ticks.
type contentCache struct {
	budget ByteCount

	items        map[Identity]*contentCacheItem
	orderedItems []*contentCacheItem
	byteCount    ByteCount
	tick         uint64
}

func newContentCache(budget ByteCount) *contentCache {
	cache := &contentCache{
		budget:       budget,
		items:        map[Identity]*contentCacheItem{},
		orderedItems: []*contentCacheItem{},
		byteCount:    0,
	}
	heap.Init(cache)
	return cache
}

func (self *contentCache) get(identity Identity) (*Content, ContentKey, bool) {
	item, ok := self.items[identity]
	if !ok {
		return nil, "", false
	}
	self.tick += 1
	item.accessTick = self.tick
	heap.Fix(self, item.heapIndex)
	return item.content, item.contentKey, true
}

func (self *contentCache) put(identity Identity, contentKey ContentKey, content *Content) {
	self.remove(identity)

	self.tick += 1
	item := &contentCacheItem{
		identity:   identity,
		contentKey: contentKey,
		content:    content,
		accessTick: self.tick,
	}
	self.items[identity] = item
	heap.Push(self, item)
	self.byteCount += content.ByteCount
}

func (self *contentCache) remove(identity Identity) {
	item, ok := self.items[identity]
	if !ok {
		return
	}
	delete(self.items, identity)
	heap.Remove(self, item.heapIndex)
	self.byteCount -= item.content.ByteCount
}

// evicts oldest-access items until the byte count is within budget.
// Returns the number of evicted items.
func (self *contentCache) evict() int {
	evicted := 0
	for self.budget < self.byteCount && 0 < len(self.orderedItems) {
		item := heap.Remove(self, 0).(*contentCacheItem)
		delete(self.items, item.identity)
		self.byteCount -= item.content.ByteCount
		evicted += 1
		glog.V(2).Infof("[loader]evict %s (%db)\n", item.identity, item.content.ByteCount)
	}
	return evicted
}

func (self *contentCache) size() (int, ByteCount) {
	return len(self.orderedItems), self.byteCount
}

// `heap.Interface`

func (self *contentCache) Len() int {
	return len(self.orderedItems)
}

func (self *contentCache) Less(i int, j int) bool {
	return self.orderedItems[i].accessTick < self.orderedItems[j].accessTick
}

func (self *contentCache) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}

func (self *contentCache) Push(x any) {
	item := x.(*contentCacheItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *contentCache) Pop() any {
	n := len(self.orderedItems)
	item := self.orderedItems[n-1]
	self.orderedItems[n-1] = nil
	self.orderedItems = self.orderedItems[0 : n-1]
	return item
}
