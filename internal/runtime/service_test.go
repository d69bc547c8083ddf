package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/objectbridge/internal/runtime/blobstore"
	membus "github.com/drblury/objectbridge/internal/runtime/bus/memory"
	"github.com/drblury/objectbridge/internal/runtime/config"
	objerrors "github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/jsoncodec"
	"github.com/drblury/objectbridge/internal/runtime/logging"
	"github.com/drblury/objectbridge/transport"
	memorytransport "github.com/drblury/objectbridge/transport/memory"
)

func newTestLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func newTestRegistry(broker *membus.Broker) *transport.Registry {
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(memorytransport.TransportName, func(ctx context.Context, cfg transport.Config, deps transport.Dependencies) (transport.Transport, error) {
		return memorytransport.BuildOn(broker, cfg, deps)
	}, transport.MemoryCapabilities)
	return reg
}

func newTestConfig(role string) *config.Config {
	conf := config.Defaults()
	conf.Role = role
	conf.BusSystem = memorytransport.TransportName
	conf.BlobStore = "memory"
	conf.HTTPAddress = "127.0.0.1:0"
	conf.CallTimeout = 5 * time.Second
	conf.ReconnectInitialInterval = time.Millisecond
	conf.ReconnectMaxInterval = 10 * time.Millisecond
	return conf
}

type failingStore struct {
	*blobstore.MemoryStore
	checks int
}

func (f *failingStore) BucketExists(ctx context.Context) (bool, error) {
	f.checks++
	return false, errors.New("connection refused")
}

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	_, err := NewService(context.Background(), nil, newTestLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, objerrors.ErrConfigRequired)

	_, err = NewService(context.Background(), config.Defaults(), nil, ServiceDependencies{})
	assert.ErrorIs(t, err, objerrors.ErrLoggerRequired)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	conf := newTestConfig("scheduler")

	_, err := NewService(context.Background(), conf, newTestLogger(), ServiceDependencies{})
	var validation objerrors.ConfigValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, err.Error(), "role")
}

func TestNewServiceUnknownTransport(t *testing.T) {
	conf := newTestConfig(config.RoleGateway)
	conf.BusSystem = "carrier-pigeon"

	_, err := NewService(context.Background(), conf, newTestLogger(), ServiceDependencies{Registry: transport.NewRegistry()})
	assert.ErrorIs(t, err, objerrors.ErrUnknownTransport)
}

func TestNewServiceUnsupportedBlobStore(t *testing.T) {
	conf := newTestConfig(config.RoleWorker)
	conf.BlobStore = "ftp"
	broker := membus.NewBroker()

	_, err := NewService(context.Background(), conf, newTestLogger(), ServiceDependencies{Registry: newTestRegistry(broker)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported backend "ftp"`)
	assert.Zero(t, broker.Connections())
}

func TestNewServiceRetriesBucketCheck(t *testing.T) {
	origDelay, origTries := bucketRetryDelay, bucketMaxTries
	t.Cleanup(func() { bucketRetryDelay, bucketMaxTries = origDelay, origTries })
	bucketRetryDelay, bucketMaxTries = time.Millisecond, 3

	store := &failingStore{MemoryStore: blobstore.NewMemoryStore()}
	_, err := NewService(context.Background(), newTestConfig(config.RoleWorker), newTestLogger(), ServiceDependencies{
		Registry: newTestRegistry(membus.NewBroker()),
		Store:    store,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure bucket objects-bucket")
	assert.Equal(t, 3, store.checks)
}

func TestGatewayRoleHasNoWorker(t *testing.T) {
	svc, err := NewService(context.Background(), newTestConfig(config.RoleGateway), newTestLogger(), ServiceDependencies{
		Registry: newTestRegistry(membus.NewBroker()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	assert.NotNil(t, svc.Handler())
	assert.NotNil(t, svc.Correlator())
	assert.Nil(t, svc.Store())
	assert.Nil(t, svc.Running())
	assert.Len(t, svc.servers, 1)
}

func TestWorkerRoleServesMetricsPort(t *testing.T) {
	conf := newTestConfig(config.RoleWorker)
	conf.MetricsEnabled = true
	conf.MetricsPort = 9464
	reg := prometheus.NewRegistry()

	svc, err := NewService(context.Background(), conf, newTestLogger(), ServiceDependencies{
		Registry:   newTestRegistry(membus.NewBroker()),
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	assert.Nil(t, svc.Handler())
	assert.Nil(t, svc.Correlator())
	assert.NotNil(t, svc.Store())
	require.Len(t, svc.servers, 1)
	assert.Equal(t, ":9464", svc.servers[0].Addr)

	rec := httptest.NewRecorder()
	svc.servers[0].Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "objectbridge_bus_")
}

func TestStandaloneServesObjectsEndToEnd(t *testing.T) {
	conf := newTestConfig(config.RoleStandalone)
	conf.MetricsEnabled = true
	reg := prometheus.NewRegistry()

	svc, err := NewService(context.Background(), conf, newTestLogger(), ServiceDependencies{
		Registry:   newTestRegistry(membus.NewBroker()),
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not start")
	}

	handler := svc.Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/objects", bytes.NewBufferString(`{"data":"hello"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var name string
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects?type=json", nil))
		if rec.Code != http.StatusOK {
			return false
		}
		var page struct {
			Total   int `json:"total"`
			Objects []struct {
				Name string `json:"name"`
			} `json:"objects"`
		}
		if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &page); err != nil || page.Total != 1 {
			return false
		}
		name = page.Objects[0].Name
		return true
	}, 5*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects/"+strings.TrimSuffix(name, ".json"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":"hello"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/objects/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "objectbridge_worker_messages_total")
	assert.Contains(t, rec.Body.String(), "objectbridge_http_requests_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
}
