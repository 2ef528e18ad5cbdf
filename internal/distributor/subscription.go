package distributor

import (
	"sync"

	"github.com/skobkin/arcadia-telemetry/internal/telemetry"
)

type subscription struct {
	handle   Handle
	callback Callback
	owner    *Distributor

	mailbox chan telemetry.Snapshot
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newSubscription(h Handle, cb Callback, owner *Distributor) *subscription {
	return &subscription{
		handle:   h,
		callback: cb,
		owner:    owner,
		mailbox:  make(chan telemetry.Snapshot, 1),
		done:     make(chan struct{}),
	}
}

// send enqueues snap, replacing an undelivered snapshot. It reports whether
// one was dropped.
func (s *subscription) send(snap telemetry.Snapshot) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.mailbox <- snap:
		return false
	default:
		select {
		case <-s.mailbox:
			dropped = true
		default:
		}
		select {
		case s.mailbox <- snap:
		default:
		}
		return dropped
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case snap := <-s.mailbox:
			// Unsubscribe may race with a pending delivery.
			select {
			case <-s.done:
				return
			default:
			}
			s.invoke(snap)
		}
	}
}

func (s *subscription) invoke(snap telemetry.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.owner.panics.Add(1)
			s.owner.logger.Error("subscriber callback panicked", "handle", uint64(s.handle), "panic", r)
		}
	}()
	s.callback(snap)
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
}
