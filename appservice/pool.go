// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/perch-im/perch/messaging"
)

// workerPool runs transaction event side effects off the request
// path. A fixed goroutine count and a bounded queue cap memory and
// homeserver concurrency; when the queue is full the event is dropped
// with a log line rather than blocking the HTTP response. Dropped
// email deliveries are recovered by the retry loop once their rows
// exist; other work is lost until the homeserver retries the
// transaction.
type workerPool struct {
	queue   chan messaging.Event
	workers int
	handler func(ctx context.Context, event messaging.Event)
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func newWorkerPool(workers, queueSize int, logger *slog.Logger, handler func(context.Context, messaging.Event)) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	return &workerPool{
		queue:   make(chan messaging.Event, queueSize),
		workers: workers,
		handler: handler,
		logger:  logger,
	}
}

// run starts the workers. They drain the queue until it is closed;
// ctx bounds the work items themselves.
func (p *workerPool) run(ctx context.Context) {
	for range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for event := range p.queue {
				p.handler(ctx, event)
			}
		}()
	}
}

// submit enqueues an event without blocking. Returns false when the
// queue is full and the event was dropped.
func (p *workerPool) submit(event messaging.Event) bool {
	select {
	case p.queue <- event:
		return true
	default:
		p.logger.Warn("event queue full, dropping event",
			"event_id", event.EventID, "type", event.Type)
		return false
	}
}

// close stops intake and waits for queued work to finish.
func (p *workerPool) close() {
	close(p.queue)
	p.wg.Wait()
}
