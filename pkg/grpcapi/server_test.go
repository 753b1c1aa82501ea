package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakeManager struct {
	running bool
	done    chan struct{}
}

func (f *fakeManager) Running() bool         { return f.running }
func (f *fakeManager) Done() <-chan struct{} { return f.done }

func startServer(t *testing.T, mgr Manager) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- NewServer("bufnet", mgr).Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, svc string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
	if err != nil {
		t.Fatalf("Check(%q): %v", svc, err)
	}
	return resp.Status
}

func TestHealthFollowsManager(t *testing.T) {
	mgr := &fakeManager{running: true, done: make(chan struct{})}
	c := startServer(t, mgr)

	for _, svc := range []string{"", ServiceRx, ServiceTx} {
		if st := check(t, c, svc); st != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("%q = %s, want SERVING", svc, st)
		}
	}

	close(mgr.done)
	deadline := time.Now().Add(5 * time.Second)
	for check(t, c, ServiceRx) != healthpb.HealthCheckResponse_NOT_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("health did not switch to NOT_SERVING")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthNotRunning(t *testing.T) {
	c := startServer(t, &fakeManager{done: make(chan struct{})})
	if st := check(t, c, ""); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %s, want NOT_SERVING", st)
	}
}
