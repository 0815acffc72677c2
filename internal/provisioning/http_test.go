package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAuthorityServer emulates the authority and hub REST endpoints.
type fakeAuthorityServer struct {
	srv *httptest.Server

	registerStatus int
	opStatus       string // status returned by register and the first polls
	assignAfter    int    // polls until "assigned"
	sessionStatus  int
	twinStatus     int

	polls    atomic.Int32
	released atomic.Int32
	lastAuth atomic.Value
}

func newFakeAuthorityServer(t *testing.T) *fakeAuthorityServer {
	t.Helper()
	f := &fakeAuthorityServer{
		registerStatus: http.StatusAccepted,
		opStatus:       statusAssigning,
		assignAfter:    1,
		sessionStatus:  http.StatusOK,
		twinStatus:     http.StatusOK,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAuthorityServer) hub() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeAuthorityServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test server
}

func (f *fakeAuthorityServer) operation(status string) registrationOperation {
	op := registrationOperation{OperationID: "op-1", Status: status}
	if status == statusAssigned {
		op.RegistrationState = &registrationState{AssignedHub: f.hub(), DeviceID: "tag-001"}
	}
	if status == statusFailed {
		op.RegistrationState = &registrationState{ErrorMessage: "enrollment disabled"}
	}
	return op
}

func (f *fakeAuthorityServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("api-version") == "" {
		http.Error(w, "missing api-version", http.StatusBadRequest)
		return
	}
	f.lastAuth.Store(r.Header.Get("Authorization"))
	path := r.URL.Path

	switch {
	case r.Method == http.MethodPut && strings.HasSuffix(path, "/register"):
		if f.registerStatus >= http.StatusBadRequest {
			f.writeJSON(w, f.registerStatus, map[string]string{"message": "nope"})
			return
		}
		f.writeJSON(w, f.registerStatus, f.operation(f.opStatus))

	case r.Method == http.MethodGet && strings.Contains(path, "/operations/"):
		n := int(f.polls.Add(1))
		status := f.opStatus
		if f.opStatus == statusAssigning && n >= f.assignAfter {
			status = statusAssigned
		}
		f.writeJSON(w, http.StatusOK, f.operation(status))

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/sessions"):
		if f.sessionStatus != http.StatusOK {
			w.WriteHeader(f.sessionStatus)
			return
		}
		f.writeJSON(w, http.StatusOK, sessionResponse{SessionID: "sess-1"})

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/twin"):
		if r.Header.Get(sessionHeader) != "sess-1" || f.twinStatus != http.StatusOK {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.writeJSON(w, http.StatusOK, map[string]any{
			"properties": map[string]any{"desired": map[string]any{"sampleRate": 5}},
		})

	case r.Method == http.MethodDelete && strings.HasSuffix(path, "/sessions/sess-1"):
		f.released.Add(1)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAuthorityServer) client() *Client {
	auth := NewHTTPAuthority(HTTPConfig{
		Host:         f.srv.URL,
		IDScope:      "0ne000",
		HubScheme:    "http",
		PollInterval: time.Millisecond,
		MaxPolls:     3,
	})
	return NewClient(auth, Timeouts{Request: 5 * time.Second})
}

func TestHTTPAuthority_Provision(t *testing.T) {
	f := newFakeAuthorityServer(t)

	res, err := f.client().Provision(context.Background(), "tag-001", []byte("device-key"))
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if res.Identity.AssignedHub != f.hub() {
		t.Errorf("AssignedHub = %q, want %q", res.Identity.AssignedHub, f.hub())
	}
	if res.Desired["sampleRate"] != float64(5) {
		t.Errorf("Desired = %v, want sampleRate=5", res.Desired)
	}
	if f.polls.Load() != 1 {
		t.Errorf("polls = %d, want 1", f.polls.Load())
	}
	if f.released.Load() != 1 {
		t.Errorf("sessions released = %d, want 1", f.released.Load())
	}
	if auth, _ := f.lastAuth.Load().(string); !strings.HasPrefix(auth, "SharedAccessSignature sr=") {
		t.Errorf("Authorization = %q, want SAS token", auth)
	}
}

func TestHTTPAuthority_FailureKinds(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fakeAuthorityServer)
		want    Kind
		release int32
	}{
		{"register 401", func(f *fakeAuthorityServer) { f.registerStatus = http.StatusUnauthorized }, KindProvisioningRejected, 0},
		{"register 503", func(f *fakeAuthorityServer) { f.registerStatus = http.StatusServiceUnavailable }, KindAuthorityUnreachable, 0},
		{"register 429", func(f *fakeAuthorityServer) { f.registerStatus = http.StatusTooManyRequests }, KindAuthorityUnreachable, 0},
		{"operation failed", func(f *fakeAuthorityServer) { f.opStatus = statusFailed }, KindProvisioningRejected, 0},
		{"poll exhaustion", func(f *fakeAuthorityServer) { f.assignAfter = 100 }, KindAuthorityUnreachable, 0},
		{"session refused", func(f *fakeAuthorityServer) { f.sessionStatus = http.StatusForbidden }, KindConnectionRejected, 0},
		{"twin unavailable", func(f *fakeAuthorityServer) { f.twinStatus = http.StatusInternalServerError }, KindStateUnavailable, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeAuthorityServer(t)
			tt.setup(f)

			_, err := f.client().Provision(context.Background(), "tag-001", []byte("device-key"))
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", err, got, tt.want)
			}
			if got := f.released.Load(); got != tt.release {
				t.Errorf("sessions released = %d, want %d", got, tt.release)
			}
		})
	}
}

func TestHTTPAuthority_Unreachable(t *testing.T) {
	f := newFakeAuthorityServer(t)
	c := f.client()
	f.srv.Close()

	_, err := c.Provision(context.Background(), "tag-001", []byte("device-key"))
	if !errors.Is(err, ErrAuthorityUnreachable) {
		t.Errorf("Provision() error = %v, want ErrAuthorityUnreachable", err)
	}
}
