// Package kernel exposes the grant-management engine as a single,
// transport-agnostic facade: the command surface is reached through the
// exported service fields (Grants, Vouchers, Claims, Invoices), and the
// read-only projection lookups are methods on Kernel. It owns no
// transport of its own (no HTTP, no RPC) — a caller embeds it directly
// or wraps it behind whatever protocol it needs.
package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/statevoucher/grantkernel/internal/config"
	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/eventlog"
	"github.com/statevoucher/grantkernel/internal/identity"
	"github.com/statevoucher/grantkernel/internal/idempotency"
	"github.com/statevoucher/grantkernel/internal/projection"
	"github.com/statevoucher/grantkernel/internal/service"
)

// Kernel wires the command handlers to one pool and exposes both the
// command surface and the read-only projection repositories behind it.
// It also owns the two background processes that keep the log and its
// projections honest over time: the tentative-voucher sweep and a
// full-log rebuild.
type Kernel struct {
	Grants   *service.GrantService
	Vouchers *service.VoucherService
	Claims   *service.ClaimService
	Invoices *service.InvoiceService

	grantRepo      domain.GrantRepository
	voucherRepo    domain.VoucherRepository
	claimRepo      domain.ClaimRepository
	invoiceRepo    domain.InvoiceRepository
	paymentRepo    domain.PaymentRepository
	adjustmentRepo domain.AdjustmentRepository
	clinicRepo     domain.ClinicRepository

	store    eventlog.Store
	sweep    *service.TentativeSweepWorker
	rebuild  *projection.Rebuilder
	logger   zerolog.Logger
	rebuildInterval time.Duration
	stopRebuild     chan struct{}
	rebuildDone     chan struct{}
}

// New builds a production Kernel bound to pool. rebuildInterval
// controls how often the full-log rebuild sweep runs in the background;
// zero disables it (RebuildAll can still be called on demand).
func New(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger, rebuildInterval time.Duration) *Kernel {
	idem := idempotency.NewPostgresCache(pool, cfg.IdempotencyTTL)
	seq := identity.NewEventIDSequencer()
	conn := projection.Conn(pool)

	grants := service.NewGrantService(pool, idem, seq, cfg, logger)
	vouchers := service.NewVoucherService(pool, grants, idem, seq, cfg, logger)
	claims := service.NewClaimService(pool, grants, idem, seq, cfg, logger)
	invoices := service.NewInvoiceService(pool, idem, seq, cfg, logger)

	voucherRepo := projection.NewVoucherRepository(conn)
	store := eventlog.NewPostgresStore(pool)

	k := &Kernel{
		Grants:   grants,
		Vouchers: vouchers,
		Claims:   claims,
		Invoices: invoices,

		grantRepo:      projection.NewGrantRepository(conn),
		voucherRepo:    voucherRepo,
		claimRepo:      projection.NewClaimRepository(conn),
		invoiceRepo:    projection.NewInvoiceRepository(conn),
		paymentRepo:    projection.NewPaymentRepository(conn),
		adjustmentRepo: projection.NewAdjustmentRepository(conn),
		clinicRepo:     projection.NewClinicRepository(conn),

		store:  store,
		logger: logger.With().Str("component", "kernel").Logger(),
		sweep:  service.NewTentativeSweepWorker(voucherRepo, vouchers, logger, cfg.TentativeSweepInterval),
		rebuild: &projection.Rebuilder{
			Store:       store,
			Grants:      projection.NewGrantRepository(conn),
			Vouchers:    voucherRepo,
			Claims:      projection.NewClaimRepository(conn),
			Invoices:    projection.NewInvoiceRepository(conn),
			Adjustments: projection.NewAdjustmentRepository(conn),
			Payments:    projection.NewPaymentRepository(conn),
			Logger:      logger.With().Str("component", "rebuilder").Logger(),
		},
		rebuildInterval: rebuildInterval,
		stopRebuild:     make(chan struct{}),
		rebuildDone:     make(chan struct{}),
	}
	return k
}

// NewForTesting builds a Kernel running entirely in memory: a
// MemStore event log, map-backed projection repositories, and an
// in-memory idempotency cache. Background processes are not started
// automatically; call StartBackground explicitly if a test needs the
// sweep running.
func NewForTesting(cfg *config.Config) *Kernel {
	idem := idempotency.NewMemCache(cfg.IdempotencyTTL)
	seq := identity.NewEventIDSequencer()
	store := eventlog.NewMemStore()

	deps := service.Deps{
		Grants:      projection.NewMemGrantRepository(),
		Vouchers:    projection.NewMemVoucherRepository(),
		Claims:      projection.NewMemClaimRepository(),
		Invoices:    projection.NewMemInvoiceRepository(),
		Payments:    projection.NewMemPaymentRepository(),
		Adjustments: projection.NewMemAdjustmentRepository(),
		Clinics:     projection.NewMemClinicRepository(),
	}

	grants := service.NewGrantServiceForTesting(store, deps, idem, seq, cfg)
	vouchers := service.NewVoucherServiceForTesting(store, deps, grants, idem, seq, cfg)
	claims := service.NewClaimServiceForTesting(store, deps, grants, idem, seq, cfg)
	invoices := service.NewInvoiceServiceForTesting(store, deps, idem, seq, cfg)

	return &Kernel{
		Grants:   grants,
		Vouchers: vouchers,
		Claims:   claims,
		Invoices: invoices,

		grantRepo:      deps.Grants,
		voucherRepo:    deps.Vouchers,
		claimRepo:      deps.Claims,
		invoiceRepo:    deps.Invoices,
		paymentRepo:    deps.Payments,
		adjustmentRepo: deps.Adjustments,
		clinicRepo:     deps.Clinics,

		store:           store,
		logger:          zerolog.Nop(),
		sweep:           service.NewTentativeSweepWorker(deps.Vouchers, vouchers, zerolog.Nop(), cfg.TentativeSweepInterval),
		rebuild:         &projection.Rebuilder{Store: store, Grants: deps.Grants, Vouchers: deps.Vouchers, Claims: deps.Claims, Invoices: deps.Invoices, Adjustments: deps.Adjustments, Payments: deps.Payments, Logger: zerolog.Nop()},
		rebuildInterval: 0,
		stopRebuild:     make(chan struct{}),
		rebuildDone:     make(chan struct{}),
	}
}

// StartBackground starts the tentative-voucher sweep and, if configured
// with a non-zero interval, the periodic full rebuild. Both stop when
// ctx is cancelled or StopBackground is called.
func (k *Kernel) StartBackground(ctx context.Context) {
	k.sweep.Start(ctx)
	if k.rebuildInterval > 0 {
		go k.runRebuildLoop(ctx)
	} else {
		close(k.rebuildDone)
	}
}

func (k *Kernel) runRebuildLoop(ctx context.Context) {
	defer close(k.rebuildDone)
	ticker := time.NewTicker(k.rebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopRebuild:
			return
		case <-ticker.C:
			if err := k.rebuild.RebuildAll(ctx); err != nil {
				k.logger.Error().Err(err).Msg("periodic projection rebuild failed")
			}
		}
	}
}

// StopBackground stops both background processes and waits for any
// in-flight pass to finish.
func (k *Kernel) StopBackground() {
	k.sweep.Stop()
	close(k.stopRebuild)
	<-k.rebuildDone
}

// RebuildAll runs one full, on-demand rebuild of every projection from
// the event log. It reads the log and upserts projection rows through
// the kernel's pool-backed repositories, outside any command
// transaction.
func (k *Kernel) RebuildAll(ctx context.Context) error {
	return k.rebuild.RebuildAll(ctx)
}

// --- read-only projection queries ---

// GetGrant returns a grant's current materialized state, or a NOT_FOUND
// KernelError if no projection row exists for grantID.
func (k *Kernel) GetGrant(grantID uuid.UUID) (*domain.GrantProjectionRow, error) {
	return k.grantRepo.GetProjection(grantID)
}

// GetVoucher returns a voucher's current materialized state.
func (k *Kernel) GetVoucher(voucherID uuid.UUID) (*domain.VoucherProjectionRow, error) {
	return k.voucherRepo.GetProjection(voucherID)
}

// GetVoucherByCode looks a voucher up by its assigned code within a
// grant cycle.
func (k *Kernel) GetVoucherByCode(grantCycleID uuid.UUID, code string) (*domain.VoucherProjectionRow, error) {
	return k.voucherRepo.GetByCode(grantCycleID, code)
}

// GetClaim returns a claim's current materialized state.
func (k *Kernel) GetClaim(claimID uuid.UUID) (*domain.ClaimProjectionRow, error) {
	return k.claimRepo.GetProjection(claimID)
}

// GetClaimByFingerprint looks a claim up by its de-duplication
// fingerprint within a grant cycle.
func (k *Kernel) GetClaimByFingerprint(grantCycleID uuid.UUID, fingerprint string) (*domain.ClaimProjectionRow, error) {
	return k.claimRepo.GetByFingerprint(grantCycleID, fingerprint)
}

// GetInvoice returns an invoice's current materialized state.
func (k *Kernel) GetInvoice(invoiceID uuid.UUID) (*domain.InvoiceProjectionRow, error) {
	return k.invoiceRepo.GetProjection(invoiceID)
}

// GetInvoiceForClinicAndMonth looks an invoice up by its natural key
// (grant cycle, clinic, year, month).
func (k *Kernel) GetInvoiceForClinicAndMonth(grantCycleID, clinicID uuid.UUID, year, month int) (*domain.InvoiceProjectionRow, error) {
	return k.invoiceRepo.ListForClinicAndMonth(grantCycleID, clinicID, year, month)
}

// ListPaymentsForInvoice returns every payment record stored against an
// invoice. The order of the returned records is not defined.
func (k *Kernel) ListPaymentsForInvoice(invoiceID uuid.UUID) ([]*domain.PaymentState, error) {
	return k.paymentRepo.ListForInvoice(invoiceID)
}

// GetAdjustment returns an adjustment's current materialized state.
func (k *Kernel) GetAdjustment(adjustmentID uuid.UUID) (*domain.AdjustmentProjectionRow, error) {
	return k.adjustmentRepo.GetProjection(adjustmentID)
}

// GetClinic returns reference data for one clinic.
func (k *Kernel) GetClinic(clinicID uuid.UUID) (*domain.Clinic, error) {
	return k.clinicRepo.GetByID(clinicID)
}

// ListClinics returns every clinic in the reference table.
func (k *Kernel) ListClinics() ([]*domain.Clinic, error) {
	return k.clinicRepo.GetAll()
}

// FetchEventsSince pages the raw event log forward from watermark,
// exclusive, returning at most limit events. Callers page to
// exhaustion by re-calling with the watermark of the last event
// returned.
func (k *Kernel) FetchEventsSince(ctx context.Context, watermark domain.Watermark, limit int) ([]domain.Event, error) {
	return k.store.FetchSince(ctx, watermark, limit)
}
