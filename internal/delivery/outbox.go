package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sentrycore/internal/pkg/logger"
	"github.com/ignite/sentrycore/internal/repository/postgres"
)

// OutboxQueue is the claim/ack surface of the outbox repository.
type OutboxQueue interface {
	ClaimDue(ctx context.Context, limit int) ([]postgres.OutboxEmail, error)
	MarkSent(ctx context.Context, id string) error
	MarkAttemptFailed(ctx context.Context, id string, attempts int, sendErr error) error
}

// Drainer pulls queued outbox emails and pushes them through the
// configured sender, with per-row retry bookkeeping.
type Drainer struct {
	outbox   OutboxQueue
	sender   EmailSender
	interval time.Duration
	batch    int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	sent   int64
	failed int64
}

// NewDrainer creates an outbox drainer.
func NewDrainer(outbox OutboxQueue, sender EmailSender, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Drainer{outbox: outbox, sender: sender, interval: interval, batch: 20}
}

// Start launches the drain loop.
func (d *Drainer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.loop()
	logger.Info("outbox drainer started", "interval", d.interval.String())
}

// Stop halts the loop and waits for in-flight sends.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	logger.Info("outbox drainer stopped")
}

// Stats reports cumulative counters.
func (d *Drainer) Stats() map[string]int64 {
	return map[string]int64{
		"sent":   atomic.LoadInt64(&d.sent),
		"failed": atomic.LoadInt64(&d.failed),
	}
}

func (d *Drainer) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.RunOnce(d.ctx)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(d.ctx)
		}
	}
}

// RunOnce drains one batch of due emails.
func (d *Drainer) RunOnce(ctx context.Context) {
	emails, err := d.outbox.ClaimDue(ctx, d.batch)
	if err != nil {
		logger.Error("outbox claim failed", "error", err.Error())
		return
	}

	for i := range emails {
		if ctx.Err() != nil {
			return
		}
		e := &emails[i]

		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := d.sender.Send(sendCtx, e.Recipient, e.Subject, e.HTMLBody, e.TextBody)
		cancel()

		if err != nil {
			atomic.AddInt64(&d.failed, 1)
			logger.Warn("email send failed",
				"outbox_id", e.ID,
				"recipient", e.Recipient,
				"attempt", e.Attempts+1,
				"error", err.Error())
			if markErr := d.outbox.MarkAttemptFailed(ctx, e.ID, e.Attempts, err); markErr != nil {
				logger.Error("outbox retry bookkeeping failed", "outbox_id", e.ID, "error", markErr.Error())
			}
			continue
		}

		if err := d.outbox.MarkSent(ctx, e.ID); err != nil {
			logger.Error("outbox mark sent failed", "outbox_id", e.ID, "error", err.Error())
			continue
		}
		atomic.AddInt64(&d.sent, 1)
	}
}
