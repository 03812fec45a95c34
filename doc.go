// Package pipeline is the asynchronous event pipeline behind the escape-room
// chatbot backend. Request handlers publish user actions, insight triggers
// and database sync events to RabbitMQ; a pool of workers consumes them and
// writes analytics rows, business-insight snapshots, conversation history,
// user preferences and recommendation logs.
//
// Publishing is fail-open: Publisher reports success as a bool and never
// blocks the chat request on a broken broker beyond one guarded reconnect.
// Workers each own a broker connection, bound unacknowledged deliveries with
// a prefetch window and settle every message explicitly. Failed messages are
// republished with a redelivery counter and parked on dead_letters once the
// counter passes its ceiling; DeadLetterReplayer returns them to their queue.
//
// # Queues
//
//   - user_actions: chat activity feeding analytics and insights
//   - business_insights: recompute triggers for the aggregate snapshot
//   - db_sync: conversation, preference and recommendation writes
//   - personalization: declared for producers, not consumed
//   - dead_letters: messages that exhausted their redeliveries
//
// # Processes
//
// cmd/pipeline-worker runs the worker pool with an ops HTTP server exposing
// /healthz, /metrics, /stats and /dead-letters. cmd/dead-letters lists,
// replays and purges the dead-letter queue. examples/producer shows the
// publishing side.
//
// # Job Hooks
//
// JobHooksMiddleware calls OnJobStart before each handler and exactly one of
// OnJobDone or OnJobError after it. AlertingHooks narrows OnJobError to chosen
// error categories, e.g. payloads that can never decode.
package pipeline
