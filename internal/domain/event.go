package domain

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// AggregateType names which aggregate family an event belongs to.
type AggregateType string

const (
	AggregateApplication AggregateType = "APPLICATION"
	AggregateGrant       AggregateType = "GRANT"
	AggregateVoucher     AggregateType = "VOUCHER"
	AggregateAllocator   AggregateType = "ALLOCATOR"
	AggregateClaim       AggregateType = "CLAIM"
	AggregateInvoice     AggregateType = "INVOICE"
	AggregatePayment     AggregateType = "PAYMENT"
	AggregateAdjustment  AggregateType = "ADJUSTMENT"
)

// EventType is a SCREAMING_SNAKE_CASE name drawn from the closed catalog
// below. eventTypeRegexp enforces the wire format; the catalog set
// below enforces membership.
type EventType string

var eventTypeRegexp = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)

const (
	EventApplicationStarted           EventType = "APPLICATION_STARTED"
	EventApplicationSectionCompleted  EventType = "APPLICATION_SECTION_COMPLETED"
	EventApplicationSubmitted         EventType = "APPLICATION_SUBMITTED"
	EventApplicationScored            EventType = "APPLICATION_SCORED"
	EventApplicationAwarded           EventType = "APPLICATION_AWARDED"
	EventApplicationWaitlisted        EventType = "APPLICATION_WAITLISTED"
	EventApplicationDenied            EventType = "APPLICATION_DENIED"
	EventApplicationTokenConsumed     EventType = "APPLICATION_TOKEN_CONSUMED"
	EventAttachmentAdded              EventType = "ATTACHMENT_ADDED"
	EventAttachmentRemoved            EventType = "ATTACHMENT_REMOVED"

	EventGrantCreated              EventType = "GRANT_CREATED"
	EventGrantAgreementSigned      EventType = "GRANT_AGREEMENT_SIGNED"
	EventGrantActivated            EventType = "GRANT_ACTIVATED"
	EventGrantSuspended            EventType = "GRANT_SUSPENDED"
	EventGrantReinstated           EventType = "GRANT_REINSTATED"
	EventGrantClosed               EventType = "GRANT_CLOSED"
	EventGrantPeriodEnded          EventType = "GRANT_PERIOD_ENDED"
	EventGrantClaimsDeadlinePassed EventType = "GRANT_CLAIMS_DEADLINE_PASSED"
	EventGrantFundsEncumbered      EventType = "GRANT_FUNDS_ENCUMBERED"
	EventGrantFundsReleased        EventType = "GRANT_FUNDS_RELEASED"
	EventGrantFundsLiquidated      EventType = "GRANT_FUNDS_LIQUIDATED"
	EventMatchingFundsReported     EventType = "MATCHING_FUNDS_REPORTED"
	EventLIRPMustHonorEnforced     EventType = "LIRP_MUST_HONOR_ENFORCED"

	EventVoucherIssued          EventType = "VOUCHER_ISSUED"
	EventVoucherIssuedTentative EventType = "VOUCHER_ISSUED_TENTATIVE"
	EventVoucherIssuedConfirmed EventType = "VOUCHER_ISSUED_CONFIRMED"
	EventVoucherIssuedRejected  EventType = "VOUCHER_ISSUED_REJECTED"
	EventVoucherRedeemed        EventType = "VOUCHER_REDEEMED"
	EventVoucherExpired         EventType = "VOUCHER_EXPIRED"
	EventVoucherVoided          EventType = "VOUCHER_VOIDED"
	EventVoucherCodeAllocated   EventType = "VOUCHER_CODE_ALLOCATED"

	EventClaimSubmitted               EventType = "CLAIM_SUBMITTED"
	EventClaimApproved                EventType = "CLAIM_APPROVED"
	EventClaimDenied                  EventType = "CLAIM_DENIED"
	EventClaimAdjusted                EventType = "CLAIM_ADJUSTED"
	EventClaimInvoiced                EventType = "CLAIM_INVOICED"
	EventClaimDecisionConflictRecorded EventType = "CLAIM_DECISION_CONFLICT_RECORDED"

	EventInvoiceGenerated        EventType = "INVOICE_GENERATED"
	EventInvoiceSubmitted        EventType = "INVOICE_SUBMITTED"
	EventPaymentRecorded         EventType = "PAYMENT_RECORDED"
	EventInvoiceAdjustmentCreated EventType = "INVOICE_ADJUSTMENT_CREATED"
	EventInvoiceAdjustmentApplied EventType = "INVOICE_ADJUSTMENT_APPLIED"
)

// eventCatalog is the closed allow-list. Any type not in this set is
// rejected at append time and is a configuration bug if encountered at
// projection-rebuild time.
var eventCatalog = map[EventType]struct{}{
	EventApplicationStarted: {}, EventApplicationSectionCompleted: {}, EventApplicationSubmitted: {},
	EventApplicationScored: {}, EventApplicationAwarded: {}, EventApplicationWaitlisted: {},
	EventApplicationDenied: {}, EventApplicationTokenConsumed: {}, EventAttachmentAdded: {}, EventAttachmentRemoved: {},

	EventGrantCreated: {}, EventGrantAgreementSigned: {}, EventGrantActivated: {}, EventGrantSuspended: {},
	EventGrantReinstated: {}, EventGrantClosed: {}, EventGrantPeriodEnded: {}, EventGrantClaimsDeadlinePassed: {},
	EventGrantFundsEncumbered: {}, EventGrantFundsReleased: {}, EventGrantFundsLiquidated: {},
	EventMatchingFundsReported: {}, EventLIRPMustHonorEnforced: {},

	EventVoucherIssued: {}, EventVoucherIssuedTentative: {}, EventVoucherIssuedConfirmed: {},
	EventVoucherIssuedRejected: {}, EventVoucherRedeemed: {}, EventVoucherExpired: {}, EventVoucherVoided: {},
	EventVoucherCodeAllocated: {},

	EventClaimSubmitted: {}, EventClaimApproved: {}, EventClaimDenied: {}, EventClaimAdjusted: {},
	EventClaimInvoiced: {}, EventClaimDecisionConflictRecorded: {},

	EventInvoiceGenerated: {}, EventInvoiceSubmitted: {}, EventPaymentRecorded: {},
	EventInvoiceAdjustmentCreated: {}, EventInvoiceAdjustmentApplied: {},
}

// IsCataloged reports whether t is a recognized event type.
func IsCataloged(t EventType) bool {
	_, ok := eventCatalog[t]
	return ok
}

// ValidEventTypeName reports whether the raw string form satisfies the
// wire-level naming regex, independent of catalog membership.
func ValidEventTypeName(s string) bool {
	return eventTypeRegexp.MatchString(s)
}

// ActorType identifies the kind of caller that initiated an event.
type ActorType string

const (
	ActorTypeUser       ActorType = "USER"
	ActorTypeSystem     ActorType = "SYSTEM"
	ActorTypeClinic     ActorType = "CLINIC"
	ActorTypeCaseworker ActorType = "CASEWORKER"
)

// SystemActorID is the well-known, fixed actor id used for background
// tasks (the tentative sweeper): a fixed UUID, never a free-form
// string.
var SystemActorID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// ZeroEventID is the all-zero UUID used as the epoch watermark sentinel.
var ZeroEventID = uuid.Nil

// Trace carries the required causal metadata for every event.
// CausationID is nullable only for initiating events (the first event of
// a causal chain).
type Trace struct {
	CorrelationID uuid.UUID
	CausationID   *uuid.UUID
	ActorID       uuid.UUID
	ActorType     ActorType
}

// Event is an immutable, append-only log entry. Once appended, it is
// never updated or deleted.
type Event struct {
	EventID       uuid.UUID
	AggregateType AggregateType
	AggregateID   uuid.UUID
	EventType     EventType
	EventData     json.RawMessage
	OccurredAt    time.Time // client-asserted, untrusted, informational only
	IngestedAt    time.Time // server-stamped truth time; used for all ordering
	GrantCycleID  uuid.UUID
	Trace
}

// Watermark is the (ingestedAt, eventId) pair marking a reader's or
// projection's position in the log. ZeroWatermark is the rebuild-from
// sentinel.
type Watermark struct {
	IngestedAt time.Time
	EventID    uuid.UUID
}

// ZeroWatermark is the epoch watermark: before every event in the log.
var ZeroWatermark = Watermark{IngestedAt: time.Unix(0, 0).UTC(), EventID: uuid.Nil}

// Less reports whether w sorts strictly before other in (ingestedAt,
// eventId) order — the canonical total order of the log.
func (w Watermark) Less(other Watermark) bool {
	if !w.IngestedAt.Equal(other.IngestedAt) {
		return w.IngestedAt.Before(other.IngestedAt)
	}
	return lessUUID(w.EventID, other.EventID)
}

// LessOrEqual reports w <= other lexicographically on (ingestedAt, eventId).
func (w Watermark) LessOrEqual(other Watermark) bool {
	return w.Less(other) || (w.IngestedAt.Equal(other.IngestedAt) && w.EventID == other.EventID)
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// WatermarkOf returns the watermark identifying e's position in the log.
func WatermarkOf(e Event) Watermark {
	return Watermark{IngestedAt: e.IngestedAt, EventID: e.EventID}
}

// Validate checks the structural invariants required at append time,
// independent of any storage backend: a valid event type
// name drawn from the closed catalog, and all required trace fields
// present. CausationID may be nil only when explicitly permitted by the
// caller (initiating events); Validate does not know the causal
// position, so callers decide whether nil is acceptable.
func (e Event) Validate() *KernelError {
	if !ValidEventTypeName(string(e.EventType)) {
		return NewError(CodeInvalidEventType, "event type does not match required naming pattern", map[string]any{"eventType": e.EventType})
	}
	if !IsCataloged(e.EventType) {
		return NewError(CodeInvalidEventType, "event type is not in the closed catalog", map[string]any{"eventType": e.EventType})
	}
	if e.GrantCycleID == uuid.Nil {
		return NewError(CodeMissingTrace, "grantCycleId is required", nil)
	}
	if e.CorrelationID == uuid.Nil {
		return NewError(CodeMissingTrace, "correlationId is required", nil)
	}
	if e.ActorID == uuid.Nil {
		return NewError(CodeMissingTrace, "actorId is required", nil)
	}
	if e.ActorType == "" {
		return NewError(CodeMissingTrace, "actorType is required", nil)
	}
	return nil
}
