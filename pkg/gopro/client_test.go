package gopro_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bft-labs/camfleet/internal/adapters/sim"
	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/gopro"
	"github.com/bft-labs/camfleet/pkg/link"
)

func connect(t *testing.T, cam *sim.Camera) *gopro.Client {
	t.Helper()
	cfg := link.DefaultConfig()
	cfg.Channels = gopro.Channels()
	cfg.ResponseTimeout = 200 * time.Millisecond
	sess := link.NewSession(cam.ID(), cam, cfg, nil)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() {
		_ = sess.Disconnect()
		cam.Close()
	})
	return gopro.NewClient(sess, time.Second)
}

func TestClient_ProvisioningExchange(t *testing.T) {
	cam := sim.NewCamera("1234")
	c := connect(t, cam)
	ctx := context.Background()

	if err := c.JoinNetwork(ctx, "lab", "pw"); err != nil {
		t.Fatalf("JoinNetwork() error = %v", err)
	}
	if err := c.CreateCertificate(ctx); err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Joined() {
		t.Fatalf("Status() = %+v, want joined", st)
	}
	if st.Address == "" || st.Username == "" || st.Password == "" {
		t.Errorf("Status() missing identity: %+v", st)
	}

	cert, err := c.Certificate(ctx)
	if err != nil {
		t.Fatalf("Certificate() error = %v", err)
	}
	if !strings.HasPrefix(cert, "-----BEGIN CERTIFICATE-----") {
		t.Errorf("Certificate() = %q, want PEM", cert)
	}
}

func TestClient_JoinRejected(t *testing.T) {
	cam := sim.NewCamera("1234")
	cam.RejectJoin(true)
	c := connect(t, cam)

	err := c.JoinNetwork(context.Background(), "lab", "wrong")
	var rerr *gopro.ResultError
	if !errors.As(err, &rerr) {
		t.Fatalf("JoinNetwork() error = %v, want *ResultError", err)
	}
	if rerr.Result != gopro.ResultArgumentInvalid {
		t.Errorf("Result = %v", rerr.Result)
	}
}

func TestClient_CertificateBeforeProvisioning(t *testing.T) {
	c := connect(t, sim.NewCamera("1234"))
	_, err := c.Certificate(context.Background())
	var rerr *gopro.ResultError
	if !errors.As(err, &rerr) || rerr.Result != gopro.ResultResourceUnavailable {
		t.Fatalf("Certificate() error = %v, want resource-unavailable", err)
	}
}

func TestClient_ClearCertificate(t *testing.T) {
	cam := sim.NewCamera("1234")
	cam.Preprovision()
	c := connect(t, cam)

	if err := c.ClearCertificate(context.Background()); err != nil {
		t.Fatalf("ClearCertificate() error = %v", err)
	}
	if cam.Clears() != 1 {
		t.Errorf("Clears() = %d, want 1", cam.Clears())
	}
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Provisioned {
		t.Error("camera still provisioned after clear")
	}
}

func TestClient_SilentCameraTimesOut(t *testing.T) {
	cam := sim.NewCamera("1234")
	cam.Mute(true)
	c := connect(t, cam)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := c.Status(ctx); !errors.Is(err, domain.ErrResponseTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Status() error = %v, want timeout", err)
	}
}

func TestClient_StatusAfterJoinPolls(t *testing.T) {
	cam := sim.NewCamera("1234")
	cam.SetJoinPolls(2)
	c := connect(t, cam)
	ctx := context.Background()

	if err := c.JoinNetwork(ctx, "lab", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateCertificate(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		st, err := c.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Joined() || !st.Connecting {
			t.Fatalf("poll %d: Status() = %+v, want connecting", i, st)
		}
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Joined() {
		t.Errorf("Status() = %+v, want joined after polls", st)
	}
}
