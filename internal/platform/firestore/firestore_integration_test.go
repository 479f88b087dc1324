//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/cudliy/fulfillment/internal/platform/config"
	pfirestore "github.com/cudliy/fulfillment/internal/platform/firestore"
	"github.com/cudliy/fulfillment/internal/platform/idempotency"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestProviderBacksIdempotencyStore(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	defer stopContainer(containerID)

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "test-project",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("expected firestore client, got error: %v", err)
	}

	store := idempotency.NewFirestoreStore(client, idempotency.WithCollection("order_submission_keys_it"), idempotency.WithMaxAttempts(3))
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	reservation, err := store.Reserve(ctx, "order-1|studio", "fp-1", now, time.Hour)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if reservation.State != idempotency.ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", reservation.State)
	}

	pending, err := store.Reserve(ctx, "order-1|studio", "fp-1", now, time.Hour)
	if err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}
	if pending.State != idempotency.ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v", pending.State)
	}

	if _, err := store.Reserve(ctx, "order-1|studio", "fp-other", now, time.Hour); !errors.Is(err, idempotency.ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	resp := idempotency.Response{
		Status:  201,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(`{"orderId":"sl-1"}`),
	}
	if err := store.SaveResponse(ctx, "order-1|studio", "fp-1", resp, now, time.Hour); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	replay, err := store.Reserve(ctx, "order-1|studio", "fp-1", now.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("replay reserve failed: %v", err)
	}
	if replay.State != idempotency.ReservationStateCompleted || string(replay.Record.ResponseBody) != `{"orderId":"sl-1"}` {
		t.Fatalf("expected stored response, got %+v", replay)
	}

	removed, err := store.CleanupExpired(ctx, now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", removed)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	// Shorten the ID to match docker CLI behaviour for stop/remove commands.
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
