// Package service implements the command handlers: the transactional
// glue between the pure reducers in internal/reducer and the
// persistence layers in internal/eventlog and internal/projection. Each
// exported method on a *Service type is one command from the kernel's
// command surface and runs the full validate -> reserve idempotency ->
// lock -> fold -> decide -> append -> project -> complete -> commit
// sequence.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/statevoucher/grantkernel/internal/config"
	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/eventlog"
	"github.com/statevoucher/grantkernel/internal/identity"
	"github.com/statevoucher/grantkernel/internal/idempotency"
	"github.com/statevoucher/grantkernel/internal/projection"
)

// Deps bundles the event store and the seven projection repositories a
// command handler touches, all bound to the same underlying
// transaction so a command's appended events and its projection writes
// commit atomically.
type Deps struct {
	Events      eventlog.TxStore
	Grants      domain.GrantRepository
	Vouchers    domain.VoucherRepository
	Claims      domain.ClaimRepository
	Invoices    domain.InvoiceRepository
	Payments    domain.PaymentRepository
	Adjustments domain.AdjustmentRepository
	Clinics     domain.ClinicRepository
}

// base is embedded by every command-handling service. It carries the
// two interchangeable execution modes: a real Postgres pool (production)
// or a MemStore plus a fixed set of in-memory repositories (unit
// tests). Exactly one of pool/memStore is set.
type base struct {
	pool      *pgxpool.Pool
	memStore  *eventlog.MemStore
	testDeps  Deps
	idem      idempotency.Cache
	sequencer *identity.EventIDSequencer
	cfg       *config.Config
	logger    zerolog.Logger
}

// begin opens one command's transaction and returns the tx-scoped Deps.
// tx is non-nil only in Postgres mode, where it is needed to take the
// canonical-order row locks; in test mode, MemStore's own internal mutex
// already serializes concurrent callers, so no locking step runs.
func (b *base) begin(ctx context.Context) (Deps, pgx.Tx, error) {
	if b.pool == nil {
		txs, err := b.memStore.Begin(ctx)
		if err != nil {
			return Deps{}, nil, err
		}
		deps := b.testDeps
		deps.Events = txs
		return deps, nil, nil
	}

	store, err := eventlog.Begin(ctx, b.pool)
	if err != nil {
		return Deps{}, nil, err
	}
	tx := store.Tx()
	conn := projection.TxConn(tx)
	return Deps{
		Events:      store,
		Grants:      projection.NewGrantRepository(conn),
		Vouchers:    projection.NewVoucherRepository(conn),
		Claims:      projection.NewClaimRepository(conn),
		Invoices:    projection.NewInvoiceRepository(conn),
		Payments:    projection.NewPaymentRepository(conn),
		Adjustments: projection.NewAdjustmentRepository(conn),
		Clinics:     projection.NewClinicRepository(conn),
	}, tx, nil
}

// lockIDs is the canonical-order lock request for one command: Voucher
// -> Grant -> Allocator -> Claim -> Invoice -> Adjustment. A uuid.Nil
// field is skipped. The fixed field order, and the fixed order locks
// are taken in below, is what eliminates cross-handler deadlocks.
type lockIDs struct {
	Voucher    uuid.UUID
	Grant      uuid.UUID
	Allocator  uuid.UUID
	Claim      uuid.UUID
	ClaimBatch []uuid.UUID
	Invoice    uuid.UUID
	Adjustment uuid.UUID
}

// acquireLocks takes row locks (or, for the allocator, a
// transaction-scoped advisory lock keyed off its id, since it has no
// projection table of
// its own) in canonical order. A no-op in test mode (tx == nil).
func acquireLocks(ctx context.Context, tx pgx.Tx, ids lockIDs) error {
	if tx == nil {
		return nil
	}
	if ids.Voucher != uuid.Nil {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM voucher_projection WHERE voucher_id = $1 FOR UPDATE`, ids.Voucher); err != nil {
			return fmt.Errorf("lock voucher: %w", err)
		}
	}
	if ids.Grant != uuid.Nil {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM grant_projection WHERE grant_id = $1 FOR UPDATE`, ids.Grant); err != nil {
			return fmt.Errorf("lock grant: %w", err)
		}
	}
	if ids.Allocator != uuid.Nil {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, ids.Allocator.String()); err != nil {
			return fmt.Errorf("lock allocator: %w", err)
		}
	}
	if ids.Claim != uuid.Nil {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM claim_projection WHERE claim_id = $1 FOR UPDATE`, ids.Claim); err != nil {
			return fmt.Errorf("lock claim: %w", err)
		}
	}
	if len(ids.ClaimBatch) > 0 {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM claim_projection WHERE claim_id = ANY($1) FOR UPDATE`, ids.ClaimBatch); err != nil {
			return fmt.Errorf("lock claim batch: %w", err)
		}
	}
	if ids.Invoice != uuid.Nil {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM invoice_projection WHERE invoice_id = $1 FOR UPDATE`, ids.Invoice); err != nil {
			return fmt.Errorf("lock invoice: %w", err)
		}
	}
	if ids.Adjustment != uuid.Nil {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM adjustment_projection WHERE adjustment_id = $1 FOR UPDATE`, ids.Adjustment); err != nil {
			return fmt.Errorf("lock adjustment: %w", err)
		}
	}
	return nil
}

// requestHash computes the idempotency de-duplication hash of a
// command's input payload: a caller retrying with the same key but a
// different body is rejected rather than silently replayed.
func requestHash(input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// newEvent mints a fresh event with a sequencer-issued id and
// server-asserted OccurredAt, ready to be appended. Callers fill in
// EventData after marshaling their typed payload.
func (b *base) newEvent(aggType domain.AggregateType, aggID uuid.UUID, eventType domain.EventType, data any, grantCycleID uuid.UUID, trace domain.Trace) (domain.Event, error) {
	id, err := b.sequencer.Next()
	if err != nil {
		return domain.Event{}, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		EventID:       id,
		AggregateType: aggType,
		AggregateID:   aggID,
		EventType:     eventType,
		EventData:     raw,
		OccurredAt:    nowUTC(),
		GrantCycleID:  grantCycleID,
		Trace:         trace,
	}, nil
}

// finish commits a command's transaction on success or rolls it back on
// failure, and records the idempotency outcome to match: Complete with
// the marshaled result on commit, Fail (freeing the key for retry) on
// rollback.
func (b *base) finish(ctx context.Context, events eventlog.TxStore, commandType, idemKey string, result any, cmdErr error) error {
	if cmdErr != nil {
		_ = events.Rollback(ctx)
		_ = b.idem.Fail(ctx, commandType, idemKey)
		return cmdErr
	}
	if err := events.Commit(ctx); err != nil {
		_ = b.idem.Fail(ctx, commandType, idemKey)
		return err
	}
	payload, err := json.Marshal(result)
	if err == nil {
		_ = b.idem.Complete(ctx, commandType, idemKey, payload)
	}
	return nil
}

// unmarshalResult decodes a replayed idempotency result into out.
func unmarshalResult(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

// reserve checks the idempotency cache before any work begins. ok is
// false when the caller should return immediately: either a replayed
// COMPLETED result (already unmarshaled by the caller from Result) or a
// PROCESSING rejection.
func (b *base) reserve(ctx context.Context, commandType, idemKey string, input any) (res idempotency.Reservation, ok bool, err error) {
	hash, err := requestHash(input)
	if err != nil {
		return idempotency.Reservation{}, false, err
	}
	res, err = b.idem.Reserve(ctx, commandType, idemKey, hash)
	if err != nil {
		return idempotency.Reservation{}, false, err
	}
	switch res.Outcome {
	case domain.OutcomeProcessing:
		return res, false, domain.NewError(domain.CodeOperationInProgress, "a command with this idempotency key is already in flight", map[string]any{"commandType": commandType, "idempotencyKey": idemKey})
	case domain.OutcomeCompleted:
		return res, false, nil
	default:
		return res, true, nil
	}
}
