package store

import "sync"

// Feed is an ordered Subscription with an unbounded queue, so producers
// never block on a slow consumer. A pump goroutine delivers queued changes.
type Feed struct {
	mu      sync.Mutex
	queue   []Change
	wake    chan struct{}
	events  chan Change
	done    chan struct{}
	once    sync.Once
	onClose func()
}

var _ Subscription = (*Feed)(nil)

// NewFeed starts a feed. onClose, if set, runs once when the feed closes.
func NewFeed(onClose func()) *Feed {
	f := &Feed{
		wake:    make(chan struct{}, 1),
		events:  make(chan Change),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go f.pump()
	return f
}

// Push queues a change; it reports false once the feed is closed
func (f *Feed) Push(c Change) bool {
	select {
	case <-f.done:
		return false
	default:
	}

	f.mu.Lock()
	f.queue = append(f.queue, c)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

// Events implements Subscription
func (f *Feed) Events() <-chan Change {
	return f.events
}

// Done is closed when the feed closes
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Close implements Subscription
func (f *Feed) Close() error {
	f.once.Do(func() {
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}

func (f *Feed) pump() {
	defer close(f.events)
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}
		c := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.events <- c:
		case <-f.done:
			return
		}
	}
}
