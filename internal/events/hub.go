package events

import (
	"sync"
	"sync/atomic"

	"reelcast/server/internal/model"
)

// Hub fans video events out to live subscribers. The persisted event log is
// the source of truth; a subscriber that falls behind is flagged as lagged
// and must replay the gap from the store.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs: map[string]map[*Subscription]struct{}{},
	}
}

// Subscription is one live listener on a video's events. Seq tracking lives
// here so a stream that mixes replayed and live events emits each seq once.
type Subscription struct {
	VideoID string
	Owner   string

	hub    *Hub
	ch     chan model.VideoEvent
	last   atomic.Int64
	lagged atomic.Bool
	once   sync.Once
}

// Subscribe registers a listener for videoID that only wants events after
// afterSeq.
func (h *Hub) Subscribe(owner, videoID string, afterSeq int64, buf int) *Subscription {
	sub := &Subscription{
		VideoID: videoID,
		Owner:   owner,
		hub:     h,
		ch:      make(chan model.VideoEvent, buf),
	}
	sub.last.Store(afterSeq)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[videoID]; !ok {
		h.subs[videoID] = map[*Subscription]struct{}{}
	}
	h.subs[videoID][sub] = struct{}{}
	return sub
}

// Events is closed by Close.
func (s *Subscription) Events() <-chan model.VideoEvent {
	return s.ch
}

// Accept reports whether evt is newer than everything accepted so far and,
// if so, records its seq.
func (s *Subscription) Accept(evt model.VideoEvent) bool {
	for {
		last := s.last.Load()
		if evt.Seq <= last {
			return false
		}
		if s.last.CompareAndSwap(last, evt.Seq) {
			return true
		}
	}
}

// LastSeq is the highest seq accepted.
func (s *Subscription) LastSeq() int64 {
	return s.last.Load()
}

// TakeLagged reports and clears whether live events were dropped since the
// last call.
func (s *Subscription) TakeLagged() bool {
	return s.lagged.Swap(false)
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		videoSubs, ok := h.subs[s.VideoID]
		if !ok {
			return
		}
		if _, ok := videoSubs[s]; !ok {
			return
		}
		delete(videoSubs, s)
		close(s.ch)
		if len(videoSubs) == 0 {
			delete(h.subs, s.VideoID)
		}
	})
}

func (h *Hub) Publish(evt model.VideoEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[evt.VideoID] {
		if evt.Seq <= sub.last.Load() {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.lagged.Store(true)
		}
	}
}

// Subscribers reports the live subscriber count for a video.
func (h *Hub) Subscribers(videoID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[videoID])
}

// OwnerSubscribers counts live subscriptions held by owner across videos.
func (h *Hub) OwnerSubscribers(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, videoSubs := range h.subs {
		for sub := range videoSubs {
			if sub.Owner == owner {
				n++
			}
		}
	}
	return n
}
