package router

import (
	"container/list"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/clinscribe/relay/internal/realtime/event"
)

// signaturePrefixLen is how many characters of trimmed text feed the
// content-signature hash. Logical duplicates re-emitted by upstream share
// their opening text even when trailing content differs slightly.
const signaturePrefixLen = 96

// dedupCache recognizes previously seen logical events within one session.
// Two axes are tracked independently: upstream-assigned event IDs, and
// content signatures derived from the event text. Either axis matching
// suppresses the event, because the same logical content has been observed
// arriving under two different event IDs when upstream retries.
//
// The cache carries no locking of its own; all access runs under the
// owning router's mutex, and events within a session are processed strictly
// in arrival order.
type dedupCache struct {
	minTextLen int
	ids        *lruSet
	signatures *lruSet
}

func newDedupCache(capacity, minTextLen int) *dedupCache {
	return &dedupCache{
		minTextLen: minTextLen,
		ids:        newLRUSet(capacity),
		signatures: newLRUSet(capacity),
	}
}

// seen reports whether ev duplicates an already-processed event on either
// axis. It does not mark anything.
func (d *dedupCache) seen(ev *event.InboundEvent) bool {
	if ev.EventID != "" && d.ids.contains(ev.EventID) {
		return true
	}
	if sig, ok := d.signature(ev.Text); ok && d.signatures.contains(sig) {
		return true
	}
	return false
}

// mark records ev as processed on both axes. Called before the consumer is
// invoked so a duplicate arriving mid-invocation is still suppressed.
func (d *dedupCache) mark(ev *event.InboundEvent) {
	if ev.EventID != "" {
		d.ids.add(ev.EventID)
	}
	if sig, ok := d.signature(ev.Text); ok {
		d.signatures.add(sig)
	}
}

// signature derives the content signature for text. Short text cannot be
// reliably deduplicated; below the minimum length no signature is produced
// and the event always passes through.
func (d *dedupCache) signature(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < d.minTextLen {
		return "", false
	}
	if len(trimmed) > signaturePrefixLen {
		trimmed = trimmed[:signaturePrefixLen]
	}
	sum := blake3.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:16]), true
}

// clear releases all dedup state. Called when the session closes.
func (d *dedupCache) clear() {
	d.ids.clear()
	d.signatures.clear()
}

// lruSet is a bounded insertion-ordered set. When capacity is exceeded the
// oldest entry is evicted, keeping per-session memory bounded over long
// sessions.
type lruSet struct {
	capacity int
	order    *list.List
	members  map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruSet{
		capacity: capacity,
		order:    list.New(),
		members:  make(map[string]*list.Element),
	}
}

func (s *lruSet) contains(key string) bool {
	_, ok := s.members[key]
	return ok
}

func (s *lruSet) add(key string) {
	if el, ok := s.members[key]; ok {
		s.order.MoveToBack(el)
		return
	}
	s.members[key] = s.order.PushBack(key)
	for s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.members, oldest.Value.(string))
	}
}

func (s *lruSet) len() int { return s.order.Len() }

func (s *lruSet) clear() {
	s.order.Init()
	s.members = make(map[string]*list.Element)
}
