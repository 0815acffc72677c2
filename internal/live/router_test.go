package live

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

// recordingPusher records pushes per connection. Connections listed in
// closed fail like a stale socket.
type recordingPusher struct {
	mu     sync.Mutex
	pushes map[string][]any
	closed map[string]bool
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{pushes: make(map[string][]any), closed: make(map[string]bool)}
}

var errClosed = errors.New("connection closed")

func (p *recordingPusher) Push(connID string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed[connID] {
		return errClosed
	}
	p.pushes[connID] = append(p.pushes[connID], payload)
	return nil
}

func (p *recordingPusher) count(connID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes[connID])
}

func TestPublish_NoSubscribers(t *testing.T) {
	p := newRecordingPusher()
	r := NewRouter(p)

	if n := r.Publish("dev-A", "reading"); n != 0 {
		t.Errorf("Publish() = %d, want 0", n)
	}
}

func TestPublish_ReachesOnlySubscribers(t *testing.T) {
	p := newRecordingPusher()
	r := NewRouter(p)

	r.Subscribe("c1", "dev-A")
	r.Subscribe("c2", "dev-A")
	r.Subscribe("c3", "dev-B")

	if n := r.Publish("dev-A", "a1"); n != 2 {
		t.Errorf("Publish(dev-A) = %d, want 2", n)
	}
	if p.count("c1") != 1 || p.count("c2") != 1 {
		t.Errorf("dev-A subscribers pushes = %d/%d, want 1/1", p.count("c1"), p.count("c2"))
	}
	if p.count("c3") != 0 {
		t.Errorf("c3 received %d pushes for dev-A", p.count("c3"))
	}
}

func TestSubscribe_ReplacesPrevious(t *testing.T) {
	p := newRecordingPusher()
	r := NewRouter(p)

	r.Subscribe("c1", "dev-A")
	r.Subscribe("c1", "dev-B")

	if n := r.Publish("dev-A", "x"); n != 0 {
		t.Errorf("Publish(dev-A) after resubscribe = %d, want 0", n)
	}
	if n := r.Publish("dev-B", "y"); n != 1 {
		t.Errorf("Publish(dev-B) = %d, want 1", n)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if got := r.Subscribers("dev-A"); got != 0 {
		t.Errorf("Subscribers(dev-A) = %d, want 0", got)
	}
	if got, _ := r.SubscriptionOf("c1"); got != "dev-B" {
		t.Errorf("SubscriptionOf(c1) = %q, want dev-B", got)
	}
}

func TestUnsubscribeAndDisconnect(t *testing.T) {
	p := newRecordingPusher()
	r := NewRouter(p)

	r.Subscribe("c1", "dev-A")
	r.Subscribe("c2", "dev-A")
	r.Unsubscribe("c1")
	r.OnDisconnect("c2")
	r.Unsubscribe("never-seen")

	if n := r.Publish("dev-A", "x"); n != 0 {
		t.Errorf("Publish() = %d, want 0", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if _, ok := r.SubscriptionOf("c1"); ok {
		t.Error("c1 still subscribed")
	}
}

func TestPublish_StaleConnectionSwallowed(t *testing.T) {
	p := newRecordingPusher()
	p.closed["gone"] = true
	r := NewRouter(p)

	r.Subscribe("gone", "dev-A")
	r.Subscribe("live", "dev-A")

	if n := r.Publish("dev-A", "x"); n != 1 {
		t.Errorf("Publish() = %d, want 1", n)
	}
	if p.count("live") != 1 {
		t.Errorf("live pushes = %d, want 1", p.count("live"))
	}
}

func TestLatest(t *testing.T) {
	r := NewRouter(newRecordingPusher())

	if _, ok := r.Latest("dev-A"); ok {
		t.Fatal("Latest() before publish should be empty")
	}

	r.Publish("dev-A", "first")
	r.Publish("dev-A", "second")

	if v, ok := r.Latest("dev-A"); !ok || v != "second" {
		t.Errorf("Latest() = %v, %v, want second", v, ok)
	}
	if v, ok := r.Subscribe("c1", "dev-A"); !ok || v != "second" {
		t.Errorf("Subscribe() latest = %v, %v, want second", v, ok)
	}
}

func TestLatest_Bounded(t *testing.T) {
	r := NewRouter(newRecordingPusher())
	r.SetMaxLatest(2)

	r.Subscribe("c1", "dev-A")
	r.Publish("dev-A", "a")
	r.Publish("dev-B", "b")
	r.Publish("dev-C", "c")

	if n := r.LatestLen(); n != 2 {
		t.Fatalf("LatestLen() = %d, want 2", n)
	}
	if _, ok := r.Latest("dev-B"); ok {
		t.Error("dev-B should have been evicted as the oldest unwatched device")
	}
	if v, ok := r.Latest("dev-A"); !ok || v != "a" {
		t.Errorf("Latest(dev-A) = %v, %v, want a (subscribed devices are kept)", v, ok)
	}
	if v, ok := r.Latest("dev-C"); !ok || v != "c" {
		t.Errorf("Latest(dev-C) = %v, %v, want c", v, ok)
	}

	// Updating a cached device never evicts.
	r.Publish("dev-C", "c2")
	if n := r.LatestLen(); n != 2 {
		t.Errorf("LatestLen() after update = %d, want 2", n)
	}
}

func TestLatest_EvictsLeastRecentlyPublished(t *testing.T) {
	r := NewRouter(newRecordingPusher())
	r.SetMaxLatest(2)

	r.Publish("dev-A", "a1")
	r.Publish("dev-B", "b1")
	r.Publish("dev-A", "a2")
	r.Publish("dev-C", "c1")

	if _, ok := r.Latest("dev-B"); ok {
		t.Error("dev-B was published least recently and should be gone")
	}
	if v, ok := r.Latest("dev-A"); !ok || v != "a2" {
		t.Errorf("Latest(dev-A) = %v, %v, want a2", v, ok)
	}
}

func TestLatest_AllSubscribedGrows(t *testing.T) {
	r := NewRouter(newRecordingPusher())
	r.SetMaxLatest(1)

	r.Subscribe("c1", "dev-A")
	r.Subscribe("c2", "dev-B")
	r.Publish("dev-A", "a")
	r.Publish("dev-B", "b")

	if n := r.LatestLen(); n != 2 {
		t.Errorf("LatestLen() = %d, want 2 when every cached device is watched", n)
	}
}

func TestNilPusher(t *testing.T) {
	r := NewRouter(nil)
	r.Subscribe("c1", "dev-A")

	if n := r.Publish("dev-A", "x"); n != 0 {
		t.Errorf("Publish() with nil pusher = %d, want 0", n)
	}

	p := newRecordingPusher()
	r.SetPusher(p)
	if n := r.Publish("dev-A", "y"); n != 1 {
		t.Errorf("Publish() after SetPusher = %d, want 1", n)
	}
}

func TestIndependentRouters(t *testing.T) {
	p1, p2 := newRecordingPusher(), newRecordingPusher()
	r1, r2 := NewRouter(p1), NewRouter(p2)

	r1.Subscribe("c1", "dev-A")

	if n := r2.Publish("dev-A", "x"); n != 0 {
		t.Errorf("second router published to %d connections, want 0", n)
	}
}

func TestConcurrentLifecycle(t *testing.T) {
	r := NewRouter(newRecordingPusher())

	var g errgroup.Group
	for i := range 50 {
		conn := fmt.Sprintf("c%d", i)
		g.Go(func() error {
			for j := range 20 {
				r.Subscribe(conn, fmt.Sprintf("dev-%d", j%3))
				r.Publish(fmt.Sprintf("dev-%d", (i+j)%3), j)
				if j%5 == 0 {
					r.Unsubscribe(conn)
				}
			}
			r.OnDisconnect(conn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if r.Len() != 0 {
		t.Errorf("Len() = %d after all disconnects, want 0", r.Len())
	}
	for d := range 3 {
		if n := r.Subscribers(fmt.Sprintf("dev-%d", d)); n != 0 {
			t.Errorf("Subscribers(dev-%d) = %d, want 0", d, n)
		}
	}
}
