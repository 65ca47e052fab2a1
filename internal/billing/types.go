package billing

import (
	"context"
	"errors"

	"github.com/morphclip/morphclip/pkg/credits"
)

// Payment lifecycle states.
const (
	PaymentPending   = "PENDING"
	PaymentCompleted = "COMPLETED"
	PaymentFailed    = "FAILED"
	PaymentRefunded  = "REFUNDED"
)

// Subscription lifecycle states, mirroring the provider's vocabulary.
const (
	SubscriptionActive    = "active"
	SubscriptionOnHold    = "on_hold"
	SubscriptionCancelled = "cancelled"
	SubscriptionFailed    = "failed"
	SubscriptionExpired   = "expired"
)

// Refund lifecycle states.
const (
	RefundPending   = "PENDING"
	RefundSucceeded = "SUCCEEDED"
	RefundFailed    = "FAILED"
)

var (
	ErrPaymentNotFound      = errors.New("billing: payment not found")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrDuplicateRefund      = errors.New("billing: refund already exists for payment")
)

// Payment is one checkout attempt. The row is created PENDING before the
// user is redirected to the provider; DodoPaymentID arrives later, with the
// webhook, which finds the row through the metadata echoed back by the
// provider.
type Payment struct {
	ID             string
	UserID         string
	ProductID      string
	Credits        int64
	AmountCents    int64
	Currency       string
	Status         string
	DodoPaymentID  string
	FailureReason  string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Subscription is the user's current recurring plan, keyed one-per-user.
type Subscription struct {
	ID                 string
	UserID             string
	PlanID             string
	Status             string
	DodoSubscriptionID string
	PeriodEndUnixUTC   int64
	CancelAtPeriodEnd  bool
	CreatedUnixUTC     int64
	UpdatedUnixUTC     int64
}

// Refund tracks a provider refund against a completed payment.
type Refund struct {
	ID             string
	PaymentID      string
	UserID         string
	DodoRefundID   string
	AmountCents    int64
	Credits        int64
	Status         string
	Reason         string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Store is the persistence contract for billing state. The Complete/Fail/Mark
// methods are conditional updates: they apply only from the expected prior
// status and report whether a row actually changed, which is what makes
// webhook redelivery a no-op.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// Ledger exposes a credits store bound to the same transaction scope.
	Ledger() credits.Store

	CreatePayment(ctx context.Context, payment Payment) (Payment, error)
	GetPayment(ctx context.Context, paymentID string) (Payment, bool, error)
	GetPaymentByDodoPaymentID(ctx context.Context, dodoPaymentID string) (Payment, bool, error)
	// CompletePayment moves PENDING -> COMPLETED by internal id, recording the
	// provider payment id.
	CompletePayment(ctx context.Context, paymentID string, dodoPaymentID string, updatedUnixUTC int64) (bool, error)
	// FailPayment moves PENDING -> FAILED by internal id.
	FailPayment(ctx context.Context, paymentID string, reason string, updatedUnixUTC int64) (bool, error)
	// MarkPaymentRefunded moves COMPLETED -> REFUNDED by internal id.
	MarkPaymentRefunded(ctx context.Context, paymentID string, updatedUnixUTC int64) (bool, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]Payment, error)

	UpsertSubscription(ctx context.Context, subscription Subscription) (Subscription, error)
	GetSubscriptionByUser(ctx context.Context, userID string) (Subscription, bool, error)
	GetSubscriptionByProviderID(ctx context.Context, dodoSubscriptionID string) (Subscription, bool, error)
	// UpdateSubscriptionStatus applies the provider's reported status by
	// provider id and reports whether a row matched.
	UpdateSubscriptionStatus(ctx context.Context, dodoSubscriptionID string, status string, periodEndUnixUTC int64, cancelAtPeriodEnd bool, updatedUnixUTC int64) (bool, error)

	// CreateRefund persists a refund row, returning ErrDuplicateRefund when
	// the provider refund id was already recorded.
	CreateRefund(ctx context.Context, refund Refund) (Refund, error)
	// MarkRefundSucceeded moves PENDING -> SUCCEEDED by provider refund id.
	MarkRefundSucceeded(ctx context.Context, dodoRefundID string, updatedUnixUTC int64) (bool, error)
}
