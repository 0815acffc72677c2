package telemetry

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"
)

// eventLog records the order in which the publisher and store are called.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

type fakePublisher struct {
	log        *eventLog
	recipients int
	published  []Reading
}

func (p *fakePublisher) Publish(deviceID string, payload any) int {
	p.log.add("publish:" + deviceID)
	p.published = append(p.published, payload.(Reading))
	return p.recipients
}

type fakeStore struct {
	log      *eventLog
	err      error
	block    bool
	appended []Reading
	deadline bool
}

func (s *fakeStore) Append(ctx context.Context, r Reading) error {
	s.log.add("append:" + r.DeviceID)
	_, s.deadline = ctx.Deadline()
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	s.appended = append(s.appended, r)
	return nil
}

func telemetryEnvelope(body string) []byte {
	return []byte(`{"data":{"body":"` + base64.StdEncoding.EncodeToString([]byte(body)) + `"}}`)
}

const validBody = `{"time":"2026-03-01T12:00:00Z","address":"unknown-tag","temperature":20,` +
	`"humidity":40,"pressure":null,"txPower":4,"rssi":-70,"voltage":3.0}`

func TestIngest_PublishesThenPersists(t *testing.T) {
	log := &eventLog{}
	pub := &fakePublisher{log: log, recipients: 2}
	store := &fakeStore{log: log}
	path := NewPath(pub, store, time.Second)

	report, err := path.Ingest(context.Background(), telemetryEnvelope(validBody))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if report.Published != 2 || !report.Persisted {
		t.Errorf("Report = %+v, want {2 true}", report)
	}

	want := []string{"publish:unknown-tag", "append:unknown-tag"}
	if len(log.events) != len(want) {
		t.Fatalf("events = %v, want %v", log.events, want)
	}
	for i := range want {
		if log.events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, log.events[i], want[i])
		}
	}
	if !store.deadline {
		t.Error("store append ran without a deadline")
	}
	if len(store.appended) != 1 || store.appended[0].Pressure != nil {
		t.Errorf("appended = %+v", store.appended)
	}
}

func TestIngest_StoreFailureKeepsPublish(t *testing.T) {
	log := &eventLog{}
	pub := &fakePublisher{log: log, recipients: 1}
	store := &fakeStore{log: log, err: errors.New("disk full")}
	path := NewPath(pub, store, time.Second)

	report, err := path.Ingest(context.Background(), telemetryEnvelope(validBody))
	if !errors.Is(err, ErrStore) {
		t.Fatalf("Ingest() error = %v, want ErrStore", err)
	}
	if report.Published != 1 || report.Persisted {
		t.Errorf("Report = %+v, want {1 false}", report)
	}
	if len(pub.published) != 1 {
		t.Errorf("published %d readings, want 1", len(pub.published))
	}
}

func TestIngest_StoreTimeout(t *testing.T) {
	log := &eventLog{}
	store := &fakeStore{log: log, block: true}
	path := NewPath(&fakePublisher{log: log}, store, 20*time.Millisecond)

	start := time.Now()
	report, err := path.Ingest(context.Background(), telemetryEnvelope(validBody))
	if !errors.Is(err, ErrStore) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ingest() error = %v, want ErrStore wrapping DeadlineExceeded", err)
	}
	if report.Persisted {
		t.Error("Persisted = true after timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Ingest() took %v, store timeout not applied", elapsed)
	}
}

func TestIngest_CallerCancellationDoesNotAbortStore(t *testing.T) {
	log := &eventLog{}
	store := &fakeStore{log: log}
	path := NewPath(&fakePublisher{log: log}, store, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := path.Ingest(ctx, telemetryEnvelope(validBody))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !report.Persisted {
		t.Error("Persisted = false, want true with cancelled caller context")
	}
}

func TestIngest_ValidationHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"garbage", []byte("garbage")},
		{"registration envelope", telemetryEnvelope(`{"address":"tag","edgeDeviceId":"gw"}`)},
		{"missing voltage", telemetryEnvelope(`{"time":1,"address":"tag","txPower":1,"rssi":1}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &eventLog{}
			path := NewPath(&fakePublisher{log: log}, &fakeStore{log: log}, time.Second)

			_, err := path.Ingest(context.Background(), tt.raw)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Ingest() error = %v, want ErrValidation", err)
			}
			if len(log.events) != 0 {
				t.Errorf("side effects on invalid input: %v", log.events)
			}
		})
	}
}

func TestAccept_RequiresIdentityAndTime(t *testing.T) {
	log := &eventLog{}
	path := NewPath(&fakePublisher{log: log}, &fakeStore{log: log}, time.Second)

	if _, err := path.Accept(context.Background(), Reading{Timestamp: time.Now()}); !errors.Is(err, ErrValidation) {
		t.Errorf("Accept(no device) error = %v, want ErrValidation", err)
	}
	if _, err := path.Accept(context.Background(), Reading{DeviceID: "tag"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Accept(no time) error = %v, want ErrValidation", err)
	}
	if len(log.events) != 0 {
		t.Errorf("side effects on invalid reading: %v", log.events)
	}
}

func TestAccept_NilStore(t *testing.T) {
	log := &eventLog{}
	path := NewPath(&fakePublisher{log: log, recipients: 3}, nil, 0)

	report, err := path.Accept(context.Background(), testReading("tag", time.Now()))
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if report.Published != 3 || report.Persisted {
		t.Errorf("Report = %+v, want {3 false}", report)
	}
}
