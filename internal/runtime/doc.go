/*
Package runtime provides the asynchronous event pipeline of the escape-room
chatbot backend: the publisher used on the request path, the workers that
drain the RabbitMQ queues and the dead-letter tooling around them.

# Architecture Overview

Producers call Publisher, which encodes an events.Envelope and hands it to
the broker.Manager's admin connection. Workers never share that connection:
each one asks the manager for a dedicated connection, sets a prefetch window
and consumes user_actions, business_insights and db_sync with manual
acknowledgement. Deliveries are converted to Watermill messages and run
through a middleware chain that ends in the queue's handler.

# Package Structure

## Publisher (publisher.go)

Fail-open publishing: every call reports success as a bool. A disconnected
manager gets one inline Connect, guarded by a gobreaker circuit breaker so a
dead broker does not stall every request.

## Worker and Pool (worker.go, pool.go)

Worker owns its connection and its lifecycle (Created, Connecting,
Consuming, Reconnecting, Stopped). A single goroutine handles deliveries, so
per-queue order holds within a worker. Lost connections are retried with a
doubling delay. Pool runs N workers under a suture supervisor.

## Redelivery policy (worker.go)

A failed handler republishes the message with x-redelivery-count+1 and acks
the original. Past MaxRedeliveries, or on a decode error, the message moves
to dead_letters with x-original-queue, x-error and x-failed-at headers. A
message is acked only after its successor is on the broker.

## Dead letters (replay.go, dlq_metrics.go)

DeadLetterReplayer peeks, replays and purges the dead-letter queue.
DLQMetrics tracks what arrives there and what leaves.

## Ops endpoint (ops.go)

OpsServer serves /healthz (pool state plus dependency probes), /stats (per-queue
handler statistics and the dead-letter snapshot), /metrics and, when given a
DeadLetterReplayer, /dead-letters for a non-consuming look at the DLQ.

## Middleware, hooks and stats (middleware.go, hooks.go, stats.go)

  - CorrelationID: ensures message traceability
  - LogMessages: debug logging of payloads, cut at 512 bytes
  - Tracer: OpenTelemetry span per handled message
  - JobHooks: logging, Prometheus, per-queue stats and alerting callbacks
  - Recoverer: panic recovery

# Sub-packages

  - broker/: connection manager, queue topology, worker registry, health
  - broker/brokertest/: in-memory broker for tests
  - cache/: Redis preference cache
  - config/: configuration, validation and the koanf loader
  - errors/: sentinel errors
  - events/: envelope, payloads, queue names and decoding
  - handlers/: event handlers and insight reports
  - ids/: ULID message ids and worker ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: delivery header utilities
  - store/: persistence sink and insight aggregates (PostgreSQL, in-memory)

# Usage Example

	manager, _ := broker.NewManager(broker.Options{URL: cfg.Broker.URL()}, logger)
	manager.Connect(ctx, cfg.Broker.ConnectMaxRetries)

	publisher, _ := runtime.NewPublisher(manager, logger, runtime.PublisherOptions{})
	h, _ := handlers.New(handlers.Options{Store: db, Cache: prefs, Insights: publisher, Logger: logger})

	pool, _ := runtime.NewPool(manager, h.Routes(), logger, runtime.PoolOptions{Size: 2})
	pool.Serve(ctx)
*/
package runtime
