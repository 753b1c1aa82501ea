package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/psaab/gpunetio/pkg/api"
	"github.com/psaab/gpunetio/pkg/gpunet"
	"github.com/psaab/gpunetio/pkg/grpcapi"
)

// envelope mirrors api.Response with the payload left undecoded.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// apiClient talks to the gpunetd HTTP API.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAPIClient(base, apiKey string) *apiClient {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base:   strings.TrimSuffix(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 5 * time.Second},
	}
}

// getRaw fetches path and returns the undecoded data payload.
func (c *apiClient) getRaw(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("GET %s: %s: %w", path, resp.Status, err)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = resp.Status
		}
		return nil, fmt.Errorf("GET %s: %s", path, env.Error)
	}
	return env.Data, nil
}

func (c *apiClient) get(ctx context.Context, path string, v any) error {
	data, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (c *apiClient) status(ctx context.Context) (api.StatusResponse, error) {
	var st api.StatusResponse
	err := c.get(ctx, "/api/v1/status", &st)
	return st, err
}

func (c *apiClient) statistics(ctx context.Context) (api.StatisticsResponse, error) {
	var st api.StatisticsResponse
	err := c.get(ctx, "/api/v1/statistics", &st)
	return st, err
}

func (c *apiClient) interfaces(ctx context.Context) ([]gpunet.InterfaceInfo, error) {
	var out []gpunet.InterfaceInfo
	err := c.get(ctx, "/api/v1/interfaces", &out)
	return out, err
}

func (c *apiClient) queues(ctx context.Context) ([]gpunet.QueueInfo, error) {
	var out []gpunet.QueueInfo
	err := c.get(ctx, "/api/v1/queues", &out)
	return out, err
}

func (c *apiClient) configuration(ctx context.Context) (text, path string, err error) {
	var out struct {
		Config string `json:"config"`
		Path   string `json:"path"`
	}
	err = c.get(ctx, "/api/v1/config", &out)
	return out.Config, out.Path, err
}

// healthClient queries the gRPC health service.
type healthClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

func dialHealth(addr string, opts ...grpc.DialOption) (*healthClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &healthClient{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// healthServices are the services "show health" reports, in order.
var healthServices = []string{"", grpcapi.ServiceRx, grpcapi.ServiceTx}

func (h *healthClient) check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	return h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}

func (h *healthClient) Close() error { return h.conn.Close() }
