package robohub

import (
	runtimepkg "github.com/drblury/robohub/internal/runtime"
	agentpkg "github.com/drblury/robohub/internal/runtime/agent"
	channelpkg "github.com/drblury/robohub/internal/runtime/channel"
	configpkg "github.com/drblury/robohub/internal/runtime/config"
	devicepkg "github.com/drblury/robohub/internal/runtime/device"
	errspkg "github.com/drblury/robohub/internal/runtime/errors"
	idspkg "github.com/drblury/robohub/internal/runtime/ids"
	jsoncodec "github.com/drblury/robohub/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/robohub/internal/runtime/logging"
	metadatapkg "github.com/drblury/robohub/internal/runtime/metadata"
	orchestratorpkg "github.com/drblury/robohub/internal/runtime/orchestrator"
	supervisorpkg "github.com/drblury/robohub/internal/runtime/supervisor"
	syncpkg "github.com/drblury/robohub/internal/runtime/synchronizer"
	"github.com/drblury/robohub/transport"
)

type (
	Config              = configpkg.Config
	AppConfig           = configpkg.AppConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Status              = runtimepkg.Status

	Supervisor = supervisorpkg.Supervisor
	Hooks      = supervisorpkg.Hooks
	State      = supervisorpkg.State

	Orchestrator = orchestratorpkg.Orchestrator
	HealthSample = orchestratorpkg.HealthSample

	Channel       = channelpkg.Channel
	ChannelHandle = channelpkg.Handle
	Item          = channelpkg.Item
	Kind          = channelpkg.Kind
	Published     = channelpkg.Published

	Synchronizer     = syncpkg.Synchronizer
	SyncCallback     = syncpkg.Callback
	SyncOption       = syncpkg.Option
	SyncStats        = syncpkg.Stats
	DeviceInfo       = devicepkg.Info
	DeviceProvider   = devicepkg.Provider
	DeviceSession    = devicepkg.Session
	DeviceDelivery   = devicepkg.Delivery
	DeviceQueueSpec  = devicepkg.QueueSpec
	DeviceInputSink  = devicepkg.InputSink
	DeviceStarter    = devicepkg.Starter
	AgentClient      = agentpkg.Client
	Reporter         = agentpkg.Reporter
	Request          = agentpkg.Request
	Response         = agentpkg.Response
	RequestHandler   = agentpkg.HandlerFunc
	Detection        = agentpkg.Detection
	DetectionStore   = agentpkg.Store
	ErrorCategory    = errspkg.Category
	ErrorClassifier  = errspkg.Classifier
	FatalError       = errspkg.FatalError
	HookError        = errspkg.HookError
	HookPanicError   = errspkg.HookPanicError
	Metadata         = metadatapkg.Metadata
	LogFields        = loggingpkg.LogFields
	ServiceLogger    = loggingpkg.ServiceLogger
	Transport        = transport.Transport
	TransportBuilder = transport.Builder
	TransportConfig  = transport.Config

	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService    = runtimepkg.NewService
	ConfigFromEnv = configpkg.FromEnv
	NewAppConfig  = configpkg.NewAppConfig
	LoadAppConfig = configpkg.LoadAppConfig

	NewSupervisor = supervisorpkg.New
	WithHooks     = supervisorpkg.WithHooks
	WithReporter  = supervisorpkg.WithReporter
	WithLogger    = supervisorpkg.WithLogger

	NewSynchronizer   = syncpkg.New
	SyncCapacity      = syncpkg.Capacity
	Sequenced         = channelpkg.Sequenced
	Unsequenced       = channelpkg.Unsequenced
	NewDetection      = agentpkg.NewDetection
	NewDetectionStore = agentpkg.NewStore
	JSONResponse      = agentpkg.JSON
	BinaryResponse    = agentpkg.Binary

	Fatal         = errspkg.Fatal
	IsFatal       = errspkg.IsFatal
	ClassifyError = errspkg.Classify

	ErrTooFewChannels    = errspkg.ErrTooFewChannels
	ErrNoDevices         = errspkg.ErrNoDevices
	ErrStuckChannel      = errspkg.ErrStuckChannel
	ErrSessionRequired   = errspkg.ErrSessionRequired
	ErrProviderRequired  = errspkg.ErrProviderRequired
	ErrUnknownQueue      = errspkg.ErrUnknownQueue
	ErrInputNotSupported = errspkg.ErrInputNotSupported
	ErrNotInput          = errspkg.ErrNotInput
	ErrChannelClosed     = errspkg.ErrChannelClosed
	ErrDeviceMissing     = errspkg.ErrDeviceMissing
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrAlreadyRunning    = errspkg.ErrAlreadyRunning
	ErrStopTimeout       = errspkg.ErrStopTimeout
	ErrOutboxFull        = agentpkg.ErrOutboxFull

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewDefaultLogger     = loggingpkg.NewDefaultLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	// Use RegisterTransport and BuildTransport to work with the transport
	// packages. Import them individually, e.g.
	// _ "github.com/drblury/robohub/transport/mqtt", or all at once through
	// transport/transports.
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities
)

// Item kinds.
const (
	KindFrame      = channelpkg.KindFrame
	KindDetection  = channelpkg.KindDetection
	KindEncoded    = channelpkg.KindEncoded
	KindStatistics = channelpkg.KindStatistics
	KindBinary     = channelpkg.KindBinary
	KindIMU        = channelpkg.KindIMU
)

// Run states.
const (
	StateIdle        = supervisorpkg.StateIdle
	StateDiscovering = supervisorpkg.StateDiscovering
	StateConnected   = supervisorpkg.StateConnected
	StateTicking     = supervisorpkg.StateTicking
	StateRecovering  = supervisorpkg.StateRecovering
	StateStopped     = supervisorpkg.StateStopped
)

// Error categories used by ErrorClassifier.
const (
	ErrorCategoryNone      = errspkg.CategoryNone
	ErrorCategoryFatal     = errspkg.CategoryFatal
	ErrorCategoryStuck     = errspkg.CategoryStuck
	ErrorCategoryHook      = errspkg.CategoryHook
	ErrorCategoryDevice    = errspkg.CategoryDevice
	ErrorCategoryCancelled = errspkg.CategoryCancelled
)

// Metadata keys understood by the transports.
const (
	MetadataKeyRetained    = metadatapkg.KeyRetained
	MetadataKeyAppID       = metadatapkg.KeyAppID
	MetadataKeyRequestID   = metadatapkg.KeyRequestID
	MetadataKeyContentType = metadatapkg.KeyContentType
)
