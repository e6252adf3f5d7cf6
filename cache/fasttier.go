package cache

import (
	"container/list"
	"sync"
	"time"
)

// Response is a cached upstream response held by the fast tier.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Tag         string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Size returns the approximate memory footprint of the response.
func (r *Response) Size() int64 {
	return int64(len(r.Body)) + int64(len(r.ContentType)) + int64(len(r.Tag)) + 64
}

// Expired reports whether the response is past its lifetime at now.
func (r *Response) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Age returns the fraction of the response lifetime elapsed at now,
// clamped to [0, 1]. Responses without an expiry never age.
func (r *Response) Age(now time.Time) float64 {
	if r.ExpiresAt.IsZero() || r.CreatedAt.IsZero() {
		return 0
	}
	total := r.ExpiresAt.Sub(r.CreatedAt)
	if total <= 0 {
		return 1
	}
	frac := float64(now.Sub(r.CreatedAt)) / float64(total)
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// FastTier is the in-process response cache consulted before the
// persistent tier.
type FastTier interface {
	Get(key string) (*Response, bool)
	Put(key string, resp *Response)
	Delete(key string)
	Stats() FastTierStats
}

// FastTierStats is a point in time snapshot of fast tier occupancy.
type FastTierStats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Ghosts  int   `json:"ghosts"`
}

const (
	// maxFreq caps the access counter so one hot burst cannot pin an
	// entry in the main queue indefinitely.
	maxFreq = 3

	// smallRatio is the share of capacity given to the probationary
	// small queue.
	smallRatio = 0.1
)

type fastEntry struct {
	key  string
	resp *Response
	freq int
}

// S3FIFO is an in-memory fast tier with S3-FIFO admission: new keys enter
// a small probationary queue, keys seen again graduate to the main queue,
// and a ghost set remembers recently evicted keys so a quick return skips
// probation.
type S3FIFO struct {
	mu sync.Mutex

	capacity int64
	smallCap int64

	small *list.List
	main  *list.List
	ghost *list.List

	index      map[string]*list.Element
	inMain     map[string]bool
	ghostIndex map[string]*list.Element

	smallBytes int64
	mainBytes  int64

	now func() time.Time
}

// FastTierOption configures the S3FIFO tier.
type FastTierOption func(*S3FIFO)

// WithFastTierClock sets the clock, used in tests.
func WithFastTierClock(now func() time.Time) FastTierOption {
	return func(s *S3FIFO) {
		s.now = now
	}
}

// NewS3FIFO creates a fast tier holding at most capacity bytes of
// response bodies.
func NewS3FIFO(capacity int64, opts ...FastTierOption) *S3FIFO {
	s := &S3FIFO{
		capacity:   capacity,
		smallCap:   int64(float64(capacity) * smallRatio),
		small:      list.New(),
		main:       list.New(),
		ghost:      list.New(),
		index:      make(map[string]*list.Element),
		inMain:     make(map[string]bool),
		ghostIndex: make(map[string]*list.Element),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached response for key. Expired responses are removed
// and reported as a miss.
func (s *S3FIFO) Get(key string) (*Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[key]
	if !ok {
		return nil, false
	}

	ent := elem.Value.(*fastEntry)
	if ent.resp.Expired(s.now()) {
		s.removeLocked(key, elem)
		return nil, false
	}

	if ent.freq < maxFreq {
		ent.freq++
	}
	return ent.resp, true
}

// Put inserts or replaces the response for key, evicting from the tail of
// the small and main queues until the tier fits within capacity. Keys
// remembered by the ghost set are admitted straight to the main queue.
func (s *S3FIFO) Put(key string, resp *Response) {
	if resp == nil || resp.Size() > s.capacity {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.index[key]; ok {
		s.removeLocked(key, elem)
	}

	ent := &fastEntry{key: key, resp: resp}
	if gelem, ok := s.ghostIndex[key]; ok {
		s.ghost.Remove(gelem)
		delete(s.ghostIndex, key)
		s.index[key] = s.main.PushFront(ent)
		s.inMain[key] = true
		s.mainBytes += resp.Size()
	} else {
		s.index[key] = s.small.PushFront(ent)
		s.smallBytes += resp.Size()
	}

	s.evictLocked()
}

// Delete removes the response for key, if present.
func (s *S3FIFO) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.index[key]; ok {
		s.removeLocked(key, elem)
	}
}

// Stats returns the current occupancy of the tier.
func (s *S3FIFO) Stats() FastTierStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return FastTierStats{
		Entries: len(s.index),
		Bytes:   s.smallBytes + s.mainBytes,
		Ghosts:  s.ghost.Len(),
	}
}

func (s *S3FIFO) removeLocked(key string, elem *list.Element) {
	ent := elem.Value.(*fastEntry)
	if s.inMain[key] {
		s.main.Remove(elem)
		s.mainBytes -= ent.resp.Size()
		delete(s.inMain, key)
	} else {
		s.small.Remove(elem)
		s.smallBytes -= ent.resp.Size()
	}
	delete(s.index, key)
}

func (s *S3FIFO) evictLocked() {
	for s.smallBytes+s.mainBytes > s.capacity {
		if s.smallBytes > s.smallCap && s.small.Len() > 0 {
			s.evictSmallLocked()
			continue
		}
		if s.main.Len() > 0 {
			s.evictMainLocked()
			continue
		}
		if s.small.Len() > 0 {
			s.evictSmallLocked()
			continue
		}
		return
	}
}

// evictSmallLocked pops the small queue tail. Entries accessed more than
// once graduate to the main queue, the rest are evicted into the ghost
// set.
func (s *S3FIFO) evictSmallLocked() {
	elem := s.small.Back()
	ent := elem.Value.(*fastEntry)
	s.small.Remove(elem)
	s.smallBytes -= ent.resp.Size()

	if ent.freq > 1 {
		ent.freq = 0
		s.index[ent.key] = s.main.PushFront(ent)
		s.inMain[ent.key] = true
		s.mainBytes += ent.resp.Size()
		return
	}

	delete(s.index, ent.key)
	s.rememberGhostLocked(ent.key)
}

// evictMainLocked pops the main queue tail, reinserting entries that
// were accessed since the last pass with a decremented counter.
func (s *S3FIFO) evictMainLocked() {
	elem := s.main.Back()
	ent := elem.Value.(*fastEntry)
	s.main.Remove(elem)

	if ent.freq > 0 {
		ent.freq--
		s.index[ent.key] = s.main.PushFront(ent)
		return
	}

	s.mainBytes -= ent.resp.Size()
	delete(s.index, ent.key)
	delete(s.inMain, ent.key)
}

func (s *S3FIFO) rememberGhostLocked(key string) {
	if _, ok := s.ghostIndex[key]; ok {
		return
	}
	s.ghostIndex[key] = s.ghost.PushFront(key)

	limit := s.main.Len() + s.small.Len()
	if limit < 16 {
		limit = 16
	}
	for s.ghost.Len() > limit {
		back := s.ghost.Back()
		delete(s.ghostIndex, back.Value.(string))
		s.ghost.Remove(back)
	}
}
