package pipeline

import (
	"context"

	runtimepkg "github.com/darams4863/escape-room-with-ai/internal/runtime"
	brokerpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	cachepkg "github.com/darams4863/escape-room-with-ai/internal/runtime/cache"
	configpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/config"
	errspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	eventspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	handlerpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/handlers"
	idspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/ids"
	jsoncodec "github.com/darams4863/escape-room-with-ai/internal/runtime/jsoncodec"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	metadatapkg "github.com/darams4863/escape-room-with-ai/internal/runtime/metadata"
	storepkg "github.com/darams4863/escape-room-with-ai/internal/runtime/store"
)

type (
	Config = configpkg.Config

	Manager        = brokerpkg.Manager
	ManagerOptions = brokerpkg.Options
	HealthReport   = brokerpkg.HealthReport
	Dialer         = brokerpkg.Dialer

	Publisher        = runtimepkg.Publisher
	PublisherOptions = runtimepkg.PublisherOptions

	Worker        = runtimepkg.Worker
	WorkerOptions = runtimepkg.WorkerOptions
	WorkerState   = runtimepkg.WorkerState
	Pool          = runtimepkg.Pool
	PoolOptions   = runtimepkg.PoolOptions
	PoolHealth    = runtimepkg.PoolHealth

	DeadLetterReplayer = runtimepkg.DeadLetterReplayer
	DeadLetter         = runtimepkg.DeadLetter
	ReplayResult       = runtimepkg.ReplayResult

	OpsServer     = runtimepkg.OpsServer
	OpsOptions    = runtimepkg.OpsOptions
	HealthCheck   = runtimepkg.HealthCheck
	HealthStatus  = runtimepkg.HealthStatus
	StatsDocument = runtimepkg.StatsDocument

	Envelope              = eventspkg.Envelope
	UserActionData        = eventspkg.UserActionData
	ConversationMessage   = eventspkg.ConversationMessage
	ConversationSyncData  = eventspkg.ConversationSyncData
	UserPreferences       = eventspkg.UserPreferences
	PreferenceSyncData    = eventspkg.PreferenceSyncData
	Recommendation        = eventspkg.Recommendation
	RecommendationLogData = eventspkg.RecommendationLogData
	BusinessInsightData   = eventspkg.BusinessInsightData
	DecodeError           = eventspkg.DecodeError

	Handler        = handlerpkg.Handler
	MessageContext = handlerpkg.MessageContext
	Handlers       = handlerpkg.Handlers
	HandlerOptions = handlerpkg.Options
	InsightReport  = handlerpkg.InsightReport

	Store           = storepkg.Store
	PreferenceCache = cachepkg.PreferenceCache

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Metrics
	Metrics            = runtimepkg.Metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQQueueMetrics    = runtimepkg.DLQQueueMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Error classification
	ErrorCategory = runtimepkg.ErrorCategory
)

var (
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewManager         = brokerpkg.NewManager
	NewPublisher       = runtimepkg.NewPublisher
	NewWorker          = runtimepkg.NewWorker
	NewPool            = runtimepkg.NewPool
	NewHandlers        = handlerpkg.New
	NewReplayer        = runtimepkg.NewDeadLetterReplayer
	NewOpsServer       = runtimepkg.NewOpsServer
	NewEnvelope        = eventspkg.NewEnvelope
	DecodeEnvelope     = eventspkg.Decode
	IsDecodeError      = eventspkg.IsDecodeError
	ExponentialBackoff = brokerpkg.ExponentialBackoff

	NewPostgresStore = storepkg.OpenPostgres
	NewMemoryStore   = storepkg.NewMemory
	DialRedisCache   = cachepkg.DialRedis

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	// Metrics
	NewMetrics    = runtimepkg.NewMetrics
	NewDLQMetrics = runtimepkg.NewDLQMetrics
	ClassifyError = runtimepkg.ClassifyError

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrManagerRequired      = errspkg.ErrManagerRequired
	ErrStoreRequired        = errspkg.ErrStoreRequired
	ErrPoolRequired         = errspkg.ErrPoolRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrNotConnected         = errspkg.ErrNotConnected
	ErrReconnectExhausted   = errspkg.ErrReconnectExhausted
	ErrMissingOriginalQueue = errspkg.ErrMissingOriginalQueue

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Queue names.
const (
	QueueUserActions      = eventspkg.QueueUserActions
	QueueBusinessInsights = eventspkg.QueueBusinessInsights
	QueueDBSync           = eventspkg.QueueDBSync
	QueuePersonalization  = eventspkg.QueuePersonalization
	QueueDeadLetters      = eventspkg.QueueDeadLetters
)

// db_sync and trigger actions.
const (
	ActionConversationSync  = eventspkg.ActionConversationSync
	ActionPreferenceSync    = eventspkg.ActionPreferenceSync
	ActionRecommendationLog = eventspkg.ActionRecommendationLog
	ActionBusinessInsight   = eventspkg.ActionBusinessInsight
)

// Header keys set by publishers and the dead-letter path.
const (
	MetadataKeyCorrelationID   = metadatapkg.KeyCorrelationID
	MetadataKeyRedeliveryCount = metadatapkg.KeyRedeliveryCount
	MetadataKeyOriginalQueue   = metadatapkg.KeyOriginalQueue
	MetadataKeyError           = metadatapkg.KeyError
	MetadataKeyFailedAt        = metadatapkg.KeyFailedAt
)

// Worker lifecycle states.
const (
	StateCreated      = runtimepkg.StateCreated
	StateConnecting   = runtimepkg.StateConnecting
	StateConsuming    = runtimepkg.StateConsuming
	StateReconnecting = runtimepkg.StateReconnecting
	StateStopped      = runtimepkg.StateStopped
)

// Error category constants for ClassifyError.
const (
	ErrorCategoryNone     = runtimepkg.ErrorCategoryNone
	ErrorCategoryDecode   = runtimepkg.ErrorCategoryDecode
	ErrorCategoryTimeout  = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryHandler  = runtimepkg.ErrorCategoryHandler
	ErrorCategoryCanceled = runtimepkg.ErrorCategoryCanceled
)

// Reasons recorded when a message is moved to dead_letters.
const (
	DeadLetterReasonDecode    = runtimepkg.DeadLetterReasonDecode
	DeadLetterReasonExhausted = runtimepkg.DeadLetterReasonExhausted
)

// EnvelopeHandler adapts a function that only needs the envelope.
func EnvelopeHandler(fn func(ctx context.Context, env Envelope) error) Handler {
	return handlerpkg.Envelope(fn)
}
