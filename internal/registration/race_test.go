package registration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/tag-gateway/internal/credential"
	"github.com/nerrad567/tag-gateway/internal/device"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/database"
	"github.com/nerrad567/tag-gateway/internal/provisioning"
	_ "github.com/nerrad567/tag-gateway/migrations"
)

// barrierProvisioner holds each Provision call until n calls have
// arrived, so that every attempt has passed CHECKING before any commits.
type barrierProvisioner struct {
	inner   Provisioner
	arrived sync.WaitGroup
}

func newBarrierProvisioner(inner Provisioner, n int) *barrierProvisioner {
	b := &barrierProvisioner{inner: inner}
	b.arrived.Add(n)
	return b
}

func (b *barrierProvisioner) Provision(ctx context.Context, deviceID string, cred []byte) (*provisioning.Result, error) {
	b.arrived.Done()
	b.arrived.Wait()
	return b.inner.Provision(ctx, deviceID, cred)
}

func setupRepo(t *testing.T) *device.SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	repo := device.NewSQLiteRepository(db.DB)
	ctx := context.Background()
	for _, gw := range []string{"gw-a", "gw-b"} {
		if err := repo.CreateGateway(ctx, gw, gw); err != nil {
			t.Fatalf("CreateGateway(%s) error = %v", gw, err)
		}
	}
	return repo
}

func TestConcurrentAttemptsSameDevice(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	if err := repo.CreateDevice(ctx, "tag-race"); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	deriver, err := credential.NewDeriver("dGVzdC1tYXN0ZXIta2V5")
	if err != nil {
		t.Fatalf("NewDeriver() error = %v", err)
	}
	authority := provisioning.NewMockAuthority("")
	notifier := &recordingNotifier{}

	o, err := New(Deps{
		Checker:     device.NewAvailabilityChecker(repo, 0),
		Provisioner: newBarrierProvisioner(provisioning.NewClient(authority, provisioning.Timeouts{}), 2),
		Binder:      repo,
		Deriver:     deriver,
		Notifier:    notifier,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	gateways := []string{"gw-a", "gw-b"}
	results := make([]Result, len(gateways))

	var g errgroup.Group
	for i, gw := range gateways {
		g.Go(func() error {
			res, err := o.Register(ctx, Request{DeviceID: "tag-race", GatewayID: gw})
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var winners, losers int
	var winner string
	for _, res := range results {
		switch res.Outcome.Kind {
		case OutcomeSuccess:
			winners++
			winner = res.Request.GatewayID
		case OutcomeRaceLost:
			losers++
		default:
			t.Errorf("unexpected outcome %+v for %s", res.Outcome, res.Request.GatewayID)
		}
	}
	if winners != 1 || losers != 1 {
		t.Fatalf("winners=%d losers=%d, want 1 and 1", winners, losers)
	}

	d, err := repo.GetDevice(ctx, "tag-race")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if !d.BoundTo(winner) {
		t.Errorf("device bound to %v, want winner %s", d.AssignedGatewayID, winner)
	}

	if got := len(notifier.messages()); got != 2 {
		t.Errorf("notifications = %d, want one per attempt", got)
	}
	if open := authority.OpenSessions(); open != 0 {
		t.Errorf("authority sessions left open = %d", open)
	}
}

func TestEndToEnd_SQLite(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	for _, id := range []string{"tag-1", "tag-2"} {
		if err := repo.CreateDevice(ctx, id); err != nil {
			t.Fatalf("CreateDevice(%s) error = %v", id, err)
		}
	}
	if res, err := repo.ConditionalBind(ctx, "tag-2", "gw-b"); err != nil || res != device.BindCommitted {
		t.Fatalf("seed bind = %v, %v", res, err)
	}

	deriver, err := credential.NewDeriver("dGVzdC1tYXN0ZXIta2V5")
	if err != nil {
		t.Fatalf("NewDeriver() error = %v", err)
	}
	prov := &fakeProvisioner{}
	o, err := New(Deps{
		Checker:     device.NewAvailabilityChecker(repo, 0),
		Provisioner: prov,
		Binder:      repo,
		Deriver:     deriver,
		Notifier:    &recordingNotifier{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		deviceID, gatewayID string
		want                OutcomeKind
		wantReason          string
	}{
		{"tag-1", "gw-a", OutcomeSuccess, ""},
		{"tag-1", "gw-a", OutcomeSuccess, ReasonAlreadyBound},
		{"tag-1", "gw-b", OutcomeDeviceNotEligible, "bound_elsewhere"},
		{"tag-2", "gw-a", OutcomeDeviceNotEligible, "bound_elsewhere"},
		{"tag-9", "gw-a", OutcomeDeviceNotEligible, "device_absent"},
		{"tag-3", "gw-z", OutcomeDeviceNotEligible, "device_absent"},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s_%s", i, tt.deviceID, tt.gatewayID), func(t *testing.T) {
			res, err := o.Register(ctx, Request{DeviceID: tt.deviceID, GatewayID: tt.gatewayID})
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if res.Outcome.Kind != tt.want || res.Outcome.Reason != tt.wantReason {
				t.Errorf("Outcome = %+v, want %s/%q", res.Outcome, tt.want, tt.wantReason)
			}
		})
	}

	// Only the first attempt reached the authority.
	if prov.calls != 1 {
		t.Errorf("provisioner calls = %d, want 1", prov.calls)
	}
	if want := credential.Encode(deriver.Derive("tag-1")); credential.Encode(prov.credential) != want {
		t.Errorf("credential = %s, want %s", credential.Encode(prov.credential), want)
	}
}
