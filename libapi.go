package objectbridge

import (
	runtimepkg "github.com/drblury/objectbridge/internal/runtime"
	blobstorepkg "github.com/drblury/objectbridge/internal/runtime/blobstore"
	buspkg "github.com/drblury/objectbridge/internal/runtime/bus"
	configpkg "github.com/drblury/objectbridge/internal/runtime/config"
	envelopepkg "github.com/drblury/objectbridge/internal/runtime/envelope"
	errspkg "github.com/drblury/objectbridge/internal/runtime/errors"
	idspkg "github.com/drblury/objectbridge/internal/runtime/ids"
	jsoncodec "github.com/drblury/objectbridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/objectbridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/objectbridge/internal/runtime/metadata"
	rpcpkg "github.com/drblury/objectbridge/internal/runtime/rpc"
	workerpkg "github.com/drblury/objectbridge/internal/runtime/worker"
	transportpkg "github.com/drblury/objectbridge/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Bus connection manager
	BusManager    = buspkg.Manager
	BusOptions    = buspkg.Options
	BusState      = buspkg.State
	BusMetrics    = buspkg.Metrics
	BusSubscriber = buspkg.Subscriber
	Dialer        = buspkg.Dialer

	// Request correlator
	Correlator        = rpcpkg.Correlator
	CorrelatorOptions = rpcpkg.Options
	CorrelatorMetrics = rpcpkg.Metrics
	TimeoutError      = rpcpkg.TimeoutError

	// Worker dispatch loop
	Dispatcher             = workerpkg.Dispatcher
	DispatcherOptions      = workerpkg.Options
	DispatcherMetrics      = workerpkg.Metrics
	Handler                = workerpkg.Handler
	HandlerRegistry        = workerpkg.Registry
	MiddlewareBuilder      = workerpkg.MiddlewareBuilder
	MiddlewareRegistration = workerpkg.MiddlewareRegistration
	DecodeError            = workerpkg.DecodeError
	PanicError             = workerpkg.PanicError
	Objects                = workerpkg.Objects
	JobContext             = workerpkg.JobContext
	JobHooks               = workerpkg.JobHooks
	ObjectsOptions         = workerpkg.ObjectsOptions

	// Envelopes
	Request  = envelopepkg.Request
	Response = envelopepkg.Response
	Payload  = envelopepkg.Payload

	// Blob storage
	BlobStore   = blobstorepkg.Store
	ObjectInfo  = blobstorepkg.ObjectInfo
	Object      = blobstorepkg.Object
	MemoryStore = blobstorepkg.MemoryStore
	S3Store     = blobstorepkg.S3Store
	S3Config    = blobstorepkg.S3Config

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Transports
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportDependencies = transportpkg.Dependencies
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Defaults
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewBusManager    = buspkg.NewManager
	NewBusSubscriber = buspkg.NewSubscriber
	NewBusMetrics    = buspkg.NewMetrics
	DialAMQP         = buspkg.DialAMQP

	NewCorrelator        = rpcpkg.NewCorrelator
	NewCorrelatorMetrics = rpcpkg.NewMetrics

	NewDispatcher           = workerpkg.NewDispatcher
	NewDispatcherMetrics    = workerpkg.NewMetrics
	NewObjects              = workerpkg.NewObjects
	DefaultMiddlewares      = workerpkg.DefaultMiddlewares
	CorrelationIDMiddleware = workerpkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = workerpkg.LogMessagesMiddleware
	TracerMiddleware        = workerpkg.TracerMiddleware
	MetricsMiddleware       = workerpkg.MetricsMiddleware
	RecovererMiddleware     = workerpkg.RecovererMiddleware
	JobHooksMiddleware      = workerpkg.JobHooksMiddleware
	LoggingHooks            = workerpkg.LoggingHooks
	AlertingHooks           = workerpkg.AlertingHooks

	NewRequest        = envelopepkg.NewRequest
	NewJSONResponse   = envelopepkg.NewJSONResponse
	NewBinaryResponse = envelopepkg.NewBinaryResponse
	NewErrorResponse  = envelopepkg.NewErrorResponse

	NewMemoryStore = blobstorepkg.NewMemoryStore
	NewS3Store     = blobstorepkg.NewS3Store
	NewS3Client    = blobstorepkg.NewS3Client
	EnsureBucket   = blobstorepkg.EnsureBucket

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrTimeout              = rpcpkg.ErrTimeout
	ErrNotFound             = blobstorepkg.ErrNotFound
	ErrNoResponse           = workerpkg.ErrNoResponse
	ErrBusClosed            = errspkg.ErrBusClosed
	ErrQueueRequired        = errspkg.ErrQueueRequired
	ErrEventTypeRequired    = errspkg.ErrEventTypeRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrSubscriberRequired   = errspkg.ErrSubscriberRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrUnknownTransport     = errspkg.ErrUnknownTransport
	ErrMalformedEnvelope    = errspkg.ErrMalformedEnvelope
	ErrCorrelationIDMissing = errspkg.ErrCorrelationIDMissing

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewJSONServiceLogger = loggingpkg.NewJSONServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID  = idspkg.CreateULID
	NewObjectID = idspkg.NewObjectID
)

// Process roles.
const (
	RoleGateway    = configpkg.RoleGateway
	RoleWorker     = configpkg.RoleWorker
	RoleStandalone = configpkg.RoleStandalone
)

// Bus connection states.
const (
	Disconnected = buspkg.Disconnected
	Connecting   = buspkg.Connecting
	Connected    = buspkg.Connected
	Backoff      = buspkg.Backoff
)

// Event types served by the object workers.
const (
	EventCreateObject = envelopepkg.EventCreateObject
	EventUploadImage  = envelopepkg.EventUploadImage
	EventUploadPDF    = envelopepkg.EventUploadPDF
	EventListObjects  = envelopepkg.EventListObjects
	EventGetObject    = envelopepkg.EventGetObject
)

// Metadata keys carried on bus messages.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyReplyTo       = metadatapkg.KeyReplyTo
	MetadataKeyEventType     = metadatapkg.KeyEventType
)
