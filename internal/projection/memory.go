package projection

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// MemGrantRepository is an in-process domain.GrantRepository used by
// service-layer unit tests.
type MemGrantRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.GrantProjectionRow
}

func NewMemGrantRepository() *MemGrantRepository {
	return &MemGrantRepository{rows: make(map[uuid.UUID]*domain.GrantProjectionRow)}
}

func (r *MemGrantRepository) GetProjection(grantID uuid.UUID) (*domain.GrantProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[grantID]
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "grant projection not found", map[string]any{"grantId": grantID})
	}
	return row, nil
}

func (r *MemGrantRepository) UpsertProjection(row *domain.GrantProjectionRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.GrantID] = row
	return nil
}

// MemVoucherRepository is an in-process domain.VoucherRepository.
type MemVoucherRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.VoucherProjectionRow
}

func NewMemVoucherRepository() *MemVoucherRepository {
	return &MemVoucherRepository{rows: make(map[uuid.UUID]*domain.VoucherProjectionRow)}
}

func (r *MemVoucherRepository) GetProjection(voucherID uuid.UUID) (*domain.VoucherProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[voucherID]
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "voucher projection not found", map[string]any{"voucherId": voucherID})
	}
	return row, nil
}

func (r *MemVoucherRepository) GetByCode(grantCycleID uuid.UUID, code string) (*domain.VoucherProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.GrantCycleID == grantCycleID && row.VoucherCode != nil && *row.VoucherCode == code {
			return row, nil
		}
	}
	return nil, domain.NewError(domain.CodeNotFound, "voucher projection not found", map[string]any{"code": code})
}

func (r *MemVoucherRepository) UpsertProjection(row *domain.VoucherProjectionRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.VoucherID] = row
	return nil
}

func (r *MemVoucherRepository) ListTentativeExpiring(before time.Time) ([]*domain.VoucherProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.VoucherProjectionRow
	for _, row := range r.rows {
		if row.Status == domain.VoucherStatusTentative && row.TentativeExpiresAt != nil && !row.TentativeExpiresAt.After(before) {
			out = append(out, row)
		}
	}
	return out, nil
}

// MemClaimRepository is an in-process domain.ClaimRepository.
type MemClaimRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.ClaimProjectionRow
}

func NewMemClaimRepository() *MemClaimRepository {
	return &MemClaimRepository{rows: make(map[uuid.UUID]*domain.ClaimProjectionRow)}
}

func (r *MemClaimRepository) GetProjection(claimID uuid.UUID) (*domain.ClaimProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[claimID]
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "claim projection not found", map[string]any{"claimId": claimID})
	}
	return row, nil
}

func (r *MemClaimRepository) GetByFingerprint(grantCycleID uuid.UUID, fingerprint string) (*domain.ClaimProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.GrantCycleID == grantCycleID && row.Fingerprint == fingerprint {
			return row, nil
		}
	}
	return nil, nil
}

func (r *MemClaimRepository) UpsertProjection(row *domain.ClaimProjectionRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.ClaimID] = row
	return nil
}

func (r *MemClaimRepository) ListApprovedForInvoicing(grantCycleID, clinicID uuid.UUID, year, month int) ([]*domain.ClaimProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ClaimProjectionRow
	for _, row := range r.rows {
		if row.GrantCycleID == grantCycleID && row.ClinicID == clinicID && row.Status == domain.ClaimStatusApproved {
			out = append(out, row)
		}
	}
	sortClaimsByApprovalWatermark(out)
	return out, nil
}

func sortClaimsByApprovalWatermark(rows []*domain.ClaimProjectionRow) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && claimLess(rows[j], rows[j-1]); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func claimLess(a, b *domain.ClaimProjectionRow) bool {
	if a.ApprovedAt == nil || b.ApprovedAt == nil {
		return false
	}
	if !a.ApprovedAt.Equal(*b.ApprovedAt) {
		return a.ApprovedAt.Before(*b.ApprovedAt)
	}
	if a.ApprovedEventID == nil || b.ApprovedEventID == nil {
		return false
	}
	return a.ApprovedEventID.String() < b.ApprovedEventID.String()
}

// MemInvoiceRepository is an in-process domain.InvoiceRepository.
type MemInvoiceRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.InvoiceProjectionRow
}

func NewMemInvoiceRepository() *MemInvoiceRepository {
	return &MemInvoiceRepository{rows: make(map[uuid.UUID]*domain.InvoiceProjectionRow)}
}

func (r *MemInvoiceRepository) GetProjection(invoiceID uuid.UUID) (*domain.InvoiceProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[invoiceID]
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "invoice projection not found", map[string]any{"invoiceId": invoiceID})
	}
	return row, nil
}

func (r *MemInvoiceRepository) ListForClinicAndMonth(grantCycleID, clinicID uuid.UUID, year, month int) (*domain.InvoiceProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.GrantCycleID == grantCycleID && row.ClinicID == clinicID && row.Year == year && row.Month == month {
			return row, nil
		}
	}
	return nil, nil
}

func (r *MemInvoiceRepository) UpsertProjection(row *domain.InvoiceProjectionRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.InvoiceID] = row
	return nil
}

// MemPaymentRepository is an in-process domain.PaymentRepository.
type MemPaymentRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID][]*domain.PaymentState
}

func NewMemPaymentRepository() *MemPaymentRepository {
	return &MemPaymentRepository{rows: make(map[uuid.UUID][]*domain.PaymentState)}
}

func (r *MemPaymentRepository) Insert(row *domain.PaymentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows[row.InvoiceID] {
		if existing.PaymentID == row.PaymentID {
			return nil
		}
	}
	r.rows[row.InvoiceID] = append(r.rows[row.InvoiceID], row)
	return nil
}

func (r *MemPaymentRepository) ListForInvoice(invoiceID uuid.UUID) ([]*domain.PaymentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[invoiceID], nil
}

// MemAdjustmentRepository is an in-process domain.AdjustmentRepository.
type MemAdjustmentRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.AdjustmentProjectionRow
}

func NewMemAdjustmentRepository() *MemAdjustmentRepository {
	return &MemAdjustmentRepository{rows: make(map[uuid.UUID]*domain.AdjustmentProjectionRow)}
}

func (r *MemAdjustmentRepository) GetProjection(adjustmentID uuid.UUID) (*domain.AdjustmentProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[adjustmentID]
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "adjustment projection not found", map[string]any{"adjustmentId": adjustmentID})
	}
	return row, nil
}

func (r *MemAdjustmentRepository) UpsertProjection(row *domain.AdjustmentProjectionRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.AdjustmentID] = row
	return nil
}

func (r *MemAdjustmentRepository) ListUnappliedForClinic(grantCycleID, clinicID uuid.UUID) ([]*domain.AdjustmentProjectionRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AdjustmentProjectionRow
	for _, row := range r.rows {
		if row.GrantCycleID != grantCycleID || row.AppliedToInvoiceID != nil {
			continue
		}
		if row.ClinicID == nil || *row.ClinicID == clinicID {
			out = append(out, row)
		}
	}
	return out, nil
}

// MemClinicRepository is an in-process domain.ClinicRepository.
type MemClinicRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Clinic
}

func NewMemClinicRepository() *MemClinicRepository {
	return &MemClinicRepository{rows: make(map[uuid.UUID]*domain.Clinic)}
}

// Put seeds a clinic record; used directly by tests instead of going
// through a command, since clinic registration is out of this kernel's
// scope (reference data).
func (r *MemClinicRepository) Put(c *domain.Clinic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[c.ClinicID] = c
}

func (r *MemClinicRepository) GetByID(clinicID uuid.UUID) (*domain.Clinic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[clinicID]
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "clinic not found", map[string]any{"clinicId": clinicID})
	}
	return c, nil
}

func (r *MemClinicRepository) GetAll() ([]*domain.Clinic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Clinic, 0, len(r.rows))
	for _, c := range r.rows {
		out = append(out, c)
	}
	return out, nil
}
