// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"time"
)

const (
	// retryBatchSize bounds how many rows one cycle picks up.
	retryBatchSize = 50

	// retryItemDelay spaces redeliveries within a cycle so a backlog
	// does not burst the homeserver.
	retryItemDelay = 250 * time.Millisecond
)

// RunRetryLoop redelivers unprocessed emails until ctx is done. Each
// cycle replays the oldest rows through the delivery tail; rows that
// fail again stay unprocessed for the next cycle. There is no retry
// cap: a row either converges or keeps waiting for the dependency to
// recover.
func (b *Bridge) RunRetryLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(interval):
		}
		b.retryCycle(ctx)
	}
}

func (b *Bridge) retryCycle(ctx context.Context) {
	rows, err := b.store.Unprocessed(ctx, retryBatchSize)
	if err != nil {
		b.logger.Error("retry scan failed", "error", err)
		return
	}
	for i, row := range rows {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			b.clock.Sleep(retryItemDelay)
		}
		if err := b.processEmail(ctx, row.Email); err != nil {
			b.logger.Warn("redelivery failed",
				"message_id", row.Email.MessageID, "error", err)
		}
	}
}
