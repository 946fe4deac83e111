package twin

import (
	"context"
	"sync"
)

// watchBuffer is the number of pending notifications per watcher.
const watchBuffer = 16

// watchHub fans desired-property changes out to in-process watchers.
// Each watcher has its own goroutine so callbacks may call back into the
// store without deadlocking.
type watchHub struct {
	mu   sync.Mutex
	subs map[string]map[*watcher]struct{}
}

type watcher struct {
	ch   chan Properties
	done chan struct{}
	once sync.Once
}

func (h *watchHub) add(ctx context.Context, deviceID string, fn func(Properties)) func() {
	w := &watcher{
		ch:   make(chan Properties, watchBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[string]map[*watcher]struct{})
	}
	if h.subs[deviceID] == nil {
		h.subs[deviceID] = make(map[*watcher]struct{})
	}
	h.subs[deviceID][w] = struct{}{}
	h.mu.Unlock()

	stop := func() {
		w.once.Do(func() {
			h.mu.Lock()
			delete(h.subs[deviceID], w)
			if len(h.subs[deviceID]) == 0 {
				delete(h.subs, deviceID)
			}
			h.mu.Unlock()
			close(w.done)
		})
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case <-w.done:
				return
			case p := <-w.ch:
				fn(p)
			}
		}
	}()

	return stop
}

// publish queues desired for every watcher of deviceID. Notifications
// carry the full desired set, so when a watcher's buffer is full the oldest
// pending one is dropped.
func (h *watchHub) publish(deviceID string, desired Properties) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for w := range h.subs[deviceID] {
		p := desired.Clone()
		select {
		case w.ch <- p:
		default:
			select {
			case <-w.ch:
			default:
			}
			select {
			case w.ch <- p:
			default:
			}
		}
	}
}

func (h *watchHub) count(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[deviceID])
}
