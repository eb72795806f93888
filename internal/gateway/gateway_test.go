// ABOUTME: Tests for the Gateway orchestrator lifecycle
// ABOUTME: Runs real listeners for HTTP, WebSocket streams, and gRPC health

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kewe/archive-gateway/internal/config"
	"github.com/kewe/archive-gateway/internal/stanza"
	"github.com/kewe/archive-gateway/internal/stream"
)

const testSecret = "archive-gateway-test-secret-32b!"

// freeAddr returns a loopback address with an available port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: freeAddr(t),
			GRPCAddr: freeAddr(t),
			Domain:   "example.com",
		},
		Database: config.DatabaseConfig{
			Driver: config.DriverSQLite,
			Path:   ":memory:",
		},
		Auth: config.AuthConfig{
			JWTSecret: testSecret,
			TokenTTL:  time.Hour,
		},
		Stream: config.StreamConfig{
			DedupeTTL:    time.Minute,
			DedupeMax:    100,
			PingInterval: time.Second,
			ReadTimeout:  5 * time.Second,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg)

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if gw.grpcServer == nil {
		t.Error("grpcServer should be created when grpc_addr is set")
	}
	assert.Equal(t, []string{"kewe:archive"}, gw.router.Features())
}

func TestGatewayNew_WithoutGRPC(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = ""
	gw := newTestGateway(t, cfg)

	assert.Nil(t, gw.grpcServer)
}

func TestGatewayNew_WeakSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT verifier")
}

func TestInitStore_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"

	_, err := initStore(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}

func TestInitStore_PathOverride(t *testing.T) {
	path := t.TempDir() + "/override.db"
	t.Setenv("ARCHIVE_DB_PATH", path)

	cfg := testConfig(t)
	cfg.Database.Path = "/nonexistent/should-not-be-used.db"

	s, err := initStore(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
}

// waitForHTTP polls /health until the server answers.
func waitForHTTP(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGatewayRun(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	waitForHTTP(t, cfg.Server.HTTPAddr)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	for _, service := range []string{"", HealthService} {
		checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: service})
		checkCancel()
		require.NoError(t, err, "service %q", service)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), "service %q", service)
	}

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGatewayRun_ListenError(t *testing.T) {
	cfg := testConfig(t)

	// Occupy the HTTP port
	ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	require.NoError(t, err)
	defer ln.Close()

	gw := newTestGateway(t, cfg)
	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP address")
}

func TestGatewayRun_StreamRemoval(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitForHTTP(t, cfg.Server.HTTPAddr)

	token, err := gw.verifier.Generate("alice@example.com", time.Hour)
	require.NoError(t, err)

	dialer := websocket.Dialer{Subprotocols: []string{stream.Subprotocol}, HandshakeTimeout: 2 * time.Second}
	ws, resp, err := dialer.Dial("ws://"+cfg.Server.HTTPAddr+"/xmpp-websocket?resource=phone",
		http.Header{"Authorization": []string{"Bearer " + token}})
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	readFrame := func() string {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" to="example.com" version="1.0"/>`)))
	assert.Contains(t, readFrame(), "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(gw.metrics.SessionsActive))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`<iq xmlns="jabber:client" type="set" id="rm-1"><remove-conversation xmlns="kewe:archive" participant="bob@example.com"/></iq>`)))

	res, err := stanza.ParseIQ([]byte(readFrame()))
	require.NoError(t, err)
	assert.Equal(t, stanza.TypeResult, res.Type)
	assert.Equal(t, "rm-1", res.ID)
	// The outcome is counted after the ack is queued.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(gw.metrics.RemovalRequests.WithLabelValues("ok")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The stream shows up in the scrape.
	scrape, err := http.Get("http://" + cfg.Server.HTTPAddr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(scrape.Body)
	scrape.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "archive_removal_requests_total"))
}
