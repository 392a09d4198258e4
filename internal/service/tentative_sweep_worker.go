package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// TentativeSweepWorker periodically finds TENTATIVE vouchers whose hold
// has expired and rejects them, releasing their encumbered funds back
// to the grant bucket. It talks to the same event log as command
// handlers and requires no coordination beyond the row locks
// RejectTentativeVoucher already takes.
type TentativeSweepWorker struct {
	vouchers domain.VoucherRepository
	voucherSvc *VoucherService
	logger   zerolog.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewTentativeSweepWorker builds a sweep worker that polls every
// interval for tentative vouchers past their hold.
func NewTentativeSweepWorker(vouchers domain.VoucherRepository, voucherSvc *VoucherService, logger zerolog.Logger, interval time.Duration) *TentativeSweepWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TentativeSweepWorker{
		vouchers:   vouchers,
		voucherSvc: voucherSvc,
		logger:     logger.With().Str("component", "tentative_sweep_worker").Logger(),
		interval:   interval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (w *TentativeSweepWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info().Dur("interval", w.interval).Msg("starting tentative sweep worker")
	go w.run(ctx)
}

// Stop gracefully stops the sweep worker and waits for the in-flight
// pass, if any, to finish.
func (w *TentativeSweepWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.logger.Info().Msg("tentative sweep worker stopped")
}

func (w *TentativeSweepWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	w.sweepOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return
		case <-w.stopCh:
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs a single pass: every tentative voucher past its
// expiry is rejected under one shared correlation id, via the well-known
// system actor, never a free-form string.
func (w *TentativeSweepWorker) sweepOnce(ctx context.Context) {
	correlationID, err := uuid.NewV7()
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to mint sweep correlation id")
		return
	}

	expiring, err := w.vouchers.ListTentativeExpiring(nowUTC())
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list expiring tentative vouchers")
		return
	}
	if len(expiring) == 0 {
		return
	}

	rejected, failed := 0, 0
	for _, v := range expiring {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		err := w.voucherSvc.RejectTentativeVoucher(ctx, RejectTentativeVoucherInput{
			IdempotencyKey: "sweep:" + v.VoucherID.String(),
			VoucherID:      v.VoucherID,
			Reason:         "tentative hold expired",
			CorrelationID:  correlationID,
			ActorID:        domain.SystemActorID,
			ActorType:      domain.ActorTypeSystem,
		})
		if err != nil {
			// A voucher already confirmed or rejected by the time the
			// sweep gets to it is expected, not an error worth logging
			// loudly: RejectTentativeVoucher's own status check will
			// have already rejected it cleanly.
			failed++
			continue
		}
		rejected++
	}

	w.logger.Info().Int("rejected", rejected).Int("failed", failed).Int("candidates", len(expiring)).Msg("completed tentative sweep pass")
}

// IsRunning reports whether the worker's loop is currently active.
func (w *TentativeSweepWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
