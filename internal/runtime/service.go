package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/objectbridge/internal/gateway"
	"github.com/drblury/objectbridge/internal/runtime/blobstore"
	"github.com/drblury/objectbridge/internal/runtime/bus"
	"github.com/drblury/objectbridge/internal/runtime/config"
	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/logging"
	"github.com/drblury/objectbridge/internal/runtime/rpc"
	"github.com/drblury/objectbridge/internal/runtime/worker"
	"github.com/drblury/objectbridge/transport"
)

const (
	shutdownTimeout = 10 * time.Second
	readHeaderLimit = 10 * time.Second
)

// Bucket checks are retried while the store comes up.
var (
	bucketRetryDelay      = time.Second
	bucketMaxTries   uint = 30
)

// NewS3Client allows overriding S3 client creation for testing.
var NewS3Client = blobstore.NewS3Client

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Registry resolves conf.BusSystem. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Store replaces the store selected by conf.BlobStore.
	Store blobstore.Store
	// Registerer and Gatherer back the metrics when conf.MetricsEnabled is
	// set. They default to the Prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Middlewares are appended after the default worker middleware chain.
	Middlewares               []worker.MiddlewareRegistration
	DisableDefaultMiddlewares bool
}

// Service wires the bus, the worker dispatcher and the HTTP gateway for the
// configured role.
type Service struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	transport  transport.Transport
	store      blobstore.Store
	dispatcher *worker.Dispatcher
	correlator *rpc.Correlator
	gateway    *gateway.Server
	servers    []*http.Server
}

type serviceMetrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	bus        *bus.Metrics
	rpc        *rpc.Metrics
	worker     *worker.Metrics
	gateway    *gateway.Metrics
}

// NewService builds every component the role needs. Nothing consumes or
// listens before Start.
func NewService(ctx context.Context, conf *config.Config, log logging.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errors.ErrConfigRequired
	}
	if log == nil {
		return nil, errors.ErrLoggerRequired
	}
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, errors.NewConfigValidationError(err)
	}

	log.Info("Creating objectbridge service", logging.LogFields{
		"role":       conf.Role,
		"bus_system": conf.BusSystem,
		"config":     conf,
	})

	metrics, err := newServiceMetrics(conf, deps)
	if err != nil {
		return nil, err
	}

	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	tr, err := registry.Build(ctx, conf, transport.Dependencies{
		Logger:  logging.NewWatermillAdapter(log),
		Metrics: metrics.bus,
		OnStateChange: func(state bus.State, delay time.Duration) {
			log.Debug("Bus connection state changed", logging.LogFields{"state": state.String(), "delay": delay})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	s := &Service{Conf: conf, Logger: log, transport: tr}

	if conf.Role == config.RoleWorker || conf.Role == config.RoleStandalone {
		if err := s.setupWorker(ctx, deps, metrics); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if conf.Role == config.RoleGateway || conf.Role == config.RoleStandalone {
		if err := s.setupGateway(metrics); err != nil {
			_ = s.Close()
			return nil, err
		}
	} else if conf.MetricsEnabled && conf.MetricsPort > 0 {
		s.servers = append(s.servers, s.newHTTPServer(fmt.Sprintf(":%d", conf.MetricsPort), s.metricsRouter(metrics.gatherer)))
	}
	return s, nil
}

func newServiceMetrics(conf *config.Config, deps ServiceDependencies) (serviceMetrics, error) {
	if !conf.MetricsEnabled {
		return serviceMetrics{}, nil
	}
	m := serviceMetrics{registerer: deps.Registerer, gatherer: deps.Gatherer}
	if m.registerer == nil {
		m.registerer = prometheus.DefaultRegisterer
	}
	if m.gatherer == nil {
		m.gatherer = prometheus.DefaultGatherer
	}
	m.bus = bus.NewMetrics(m.registerer)
	m.rpc = rpc.NewMetrics(m.registerer)
	m.worker = worker.NewMetrics(m.registerer)
	m.gateway = gateway.NewMetrics(m.registerer)

	for name, register := range map[string]func() error{
		"bus":     m.bus.Register,
		"rpc":     m.rpc.Register,
		"worker":  m.worker.Register,
		"gateway": m.gateway.Register,
	} {
		if err := register(); err != nil {
			return serviceMetrics{}, fmt.Errorf("register %s metrics: %w", name, err)
		}
	}
	return m, nil
}

func (s *Service) setupWorker(ctx context.Context, deps ServiceDependencies, metrics serviceMetrics) error {
	store := deps.Store
	if store == nil {
		var err error
		if store, err = s.newStore(ctx); err != nil {
			return err
		}
	}
	if err := s.ensureBucket(ctx, store); err != nil {
		return err
	}
	s.store = store

	objects, err := worker.NewObjects(worker.ObjectsOptions{Store: store, Logger: s.Logger})
	if err != nil {
		return err
	}

	dispatcher, err := worker.NewDispatcher(worker.Options{
		Subscriber:                s.transport.Subscriber,
		Replier:                   s.transport.Publisher,
		Logger:                    s.Logger,
		Metrics:                   metrics.worker,
		Registerer:                metrics.registerer,
		Middlewares:               deps.Middlewares,
		DisableDefaultMiddlewares: deps.DisableDefaultMiddlewares,
		CloseTimeout:              shutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	if err := dispatcher.Handle(s.Conf.WriteQueue, objects.WriteHandlers()); err != nil {
		return err
	}
	if err := dispatcher.Handle(s.Conf.ReadQueue, objects.ReadHandlers()); err != nil {
		return err
	}
	s.dispatcher = dispatcher
	return nil
}

func (s *Service) newStore(ctx context.Context) (blobstore.Store, error) {
	switch strings.ToLower(s.Conf.BlobStore) {
	case "memory":
		return blobstore.NewMemoryStore(), nil
	case "s3":
		client, err := NewS3Client(ctx, blobstore.S3Config{
			Bucket:          s.Conf.Bucket,
			Endpoint:        s.Conf.S3Endpoint,
			Region:          s.Conf.S3Region,
			AccessKeyID:     s.Conf.S3AccessKeyID,
			SecretAccessKey: s.Conf.S3SecretAccessKey,
			UsePathStyle:    s.Conf.S3UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		return blobstore.NewS3Store(client, s.Conf.Bucket, s.Conf.S3Region), nil
	default:
		return nil, fmt.Errorf("blobstore: unsupported backend %q", s.Conf.BlobStore)
	}
}

// ensureBucket retries while the store is still coming up.
func (s *Service) ensureBucket(ctx context.Context, store blobstore.Store) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := blobstore.EnsureBucket(ctx, store)
		if err != nil {
			s.Logger.Info("Blob store not ready", logging.LogFields{"attempt": attempt, "error": err.Error()})
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewConstantBackOff(bucketRetryDelay)), backoff.WithMaxTries(bucketMaxTries))
	if err != nil {
		return fmt.Errorf("ensure bucket %s: %w", s.Conf.Bucket, err)
	}
	s.Logger.Info("Bucket ready", logging.LogFields{"bucket": s.Conf.Bucket})
	return nil
}

func (s *Service) setupGateway(metrics serviceMetrics) error {
	correlator, err := rpc.NewCorrelator(s.transport.Publisher, rpc.Options{
		Timeout:          s.Conf.CallTimeout,
		ReplyQueuePrefix: s.Conf.ReplyQueuePrefix,
		WriteQueue:       s.Conf.WriteQueue,
		ReadQueue:        s.Conf.ReadQueue,
		Logger:           s.Logger,
		Metrics:          metrics.rpc,
	})
	if err != nil {
		return fmt.Errorf("create correlator: %w", err)
	}
	s.correlator = correlator

	publisher := s.transport.Publisher
	gw, err := gateway.New(gateway.Options{
		Bridge:         correlator,
		Logger:         s.Logger,
		Metrics:        metrics.gateway,
		Gatherer:       metrics.gatherer,
		BusState:       func() string { return publisher.State().String() },
		MaxUploadBytes: s.Conf.MaxUploadBytes,
	})
	if err != nil {
		return err
	}
	s.gateway = gw
	s.servers = append(s.servers, s.newHTTPServer(s.Conf.HTTPAddress, gw))
	return nil
}

func (s *Service) metricsRouter(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Service) newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderLimit,
	}
}

// Correlator returns the RPC client, or nil when the role has no gateway.
func (s *Service) Correlator() *rpc.Correlator {
	return s.correlator
}

// Handler returns the gateway router, or nil when the role has no gateway.
func (s *Service) Handler() http.Handler {
	if s.gateway == nil {
		return nil
	}
	return s.gateway
}

// Store returns the blob store, or nil when the role has no worker.
func (s *Service) Store() blobstore.Store {
	return s.store
}

// Running is closed once the worker consumes its queues. It is nil when the
// role has no worker.
func (s *Service) Running() <-chan struct{} {
	if s.dispatcher == nil {
		return nil
	}
	return s.dispatcher.Running()
}

// Start runs the dispatcher and HTTP servers until ctx is cancelled or one of
// them fails.
func (s *Service) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.dispatcher != nil {
		g.Go(func() error {
			return s.dispatcher.Run(ctx)
		})
	}
	for _, srv := range s.servers {
		g.Go(func() error {
			s.Logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range s.servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return stderrors.Join(errs...)
	})

	return g.Wait()
}

// Close stops the dispatcher and releases the bus connections.
func (s *Service) Close() error {
	var errs []error
	if s.dispatcher != nil {
		errs = append(errs, s.dispatcher.Close())
	}
	errs = append(errs, s.transport.Close())
	return stderrors.Join(errs...)
}
