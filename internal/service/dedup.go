package service

import (
	"sync"
	"time"
)

// dedupWindow drops QoS 1 redeliveries: a message_id seen within the
// window is a duplicate. Capacity-bounded so a chatty broker cannot grow
// it without limit.
type dedupWindow struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	order  []string
	window time.Duration
	cap    int
	now    func() time.Time
}

func newDedupWindow(window time.Duration, capacity int) *dedupWindow {
	if window <= 0 {
		window = time.Minute
	}
	if capacity <= 0 {
		capacity = 4096
	}
	return &dedupWindow{
		seen:   make(map[string]time.Time),
		window: window,
		cap:    capacity,
		now:    time.Now,
	}
}

// Seen records id and reports whether it was already present within the
// window.
func (d *dedupWindow) Seen(id string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)

	if t, ok := d.seen[id]; ok && now.Sub(t) <= d.window {
		return true
	}
	d.seen[id] = now
	d.order = append(d.order, id)
	return false
}

func (d *dedupWindow) pruneLocked(now time.Time) {
	for len(d.order) > 0 {
		id := d.order[0]
		t, ok := d.seen[id]
		if !ok {
			d.order = d.order[1:]
			continue
		}
		if now.Sub(t) > d.window || len(d.order) >= d.cap {
			delete(d.seen, id)
			d.order = d.order[1:]
			continue
		}
		break
	}
}

func (d *dedupWindow) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
