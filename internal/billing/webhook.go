package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/morphclip/morphclip/pkg/credits"
)

// Provider webhook event types handled by the dispatcher.
const (
	EventPaymentSucceeded    = "payment.succeeded"
	EventPaymentFailed       = "payment.failed"
	EventSubscriptionCreated = "subscription.created"
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionDeleted = "subscription.deleted"
	EventRefundCreated       = "refund.created"
)

// providerRefundSucceeded is the provider-side refund status that marks the
// money as settled.
const providerRefundSucceeded = "succeeded"

// Event is the provider's webhook envelope.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData is the union of fields across event types; which ones are set
// depends on Type, so every handler null-checks what it reads.
type EventData struct {
	PaymentID               string            `json:"payment_id"`
	SubscriptionID          string            `json:"subscription_id"`
	RefundID                string            `json:"refund_id"`
	ProductID               string            `json:"product_id"`
	Status                  string            `json:"status"`
	TotalAmount             int64             `json:"total_amount"`
	Currency                string            `json:"currency"`
	ErrorMessage            string            `json:"error_message"`
	Metadata                map[string]string `json:"metadata"`
	Customer                EventCustomer     `json:"customer"`
	NextBillingDate         string            `json:"next_billing_date"`
	CancelAtNextBillingDate bool              `json:"cancel_at_next_billing_date"`
}

// EventCustomer identifies the paying customer on the provider side.
type EventCustomer struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
}

// Dispatcher folds verified provider events into local billing state and the
// credit ledger. Malformed or incomplete events are logged and dropped, never
// retried; only infrastructure failures return an error so the delivery can
// be attempted again.
type Dispatcher struct {
	store  Store
	nowFn  func() int64
	logger *zap.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(store Store, now func() int64, logger *zap.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("billing: store dependency is nil")
	}
	if now == nil {
		return nil, fmt.Errorf("billing: clock dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, nowFn: now, logger: logger}, nil
}

// Dispatch processes one event payload. Safe to call multiple times with the
// same payload: every state transition is a conditional update that applies
// at most once.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, payload []byte) error {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		dispatcher.logger.Error("webhook payload is not valid json", zap.Error(err))
		return nil
	}

	switch event.Type {
	case EventPaymentSucceeded:
		return dispatcher.handlePaymentSucceeded(ctx, event.Data)
	case EventPaymentFailed:
		return dispatcher.handlePaymentFailed(ctx, event.Data)
	case EventSubscriptionCreated:
		return dispatcher.handleSubscriptionCreated(ctx, event.Data)
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		return dispatcher.handleSubscriptionChanged(ctx, event.Type, event.Data)
	case EventRefundCreated:
		return dispatcher.handleRefundCreated(ctx, event.Data)
	default:
		dispatcher.logger.Info("ignoring unhandled webhook event", zap.String("type", event.Type))
		return nil
	}
}

func (dispatcher *Dispatcher) handlePaymentSucceeded(ctx context.Context, data EventData) error {
	paymentID := data.Metadata["paymentId"]
	if paymentID == "" {
		dispatcher.logger.Error("payment.succeeded without paymentId metadata",
			zap.String("dodo_payment_id", data.PaymentID),
		)
		return nil
	}
	return dispatcher.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		payment, found, err := txStore.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if !found {
			dispatcher.logger.Error("payment.succeeded for unknown payment",
				zap.String("payment_id", paymentID),
			)
			return nil
		}
		applied, err := txStore.CompletePayment(ctx, payment.ID, data.PaymentID, dispatcher.nowFn())
		if err != nil {
			return err
		}
		if !applied {
			dispatcher.logger.Info("payment already finalized, skipping",
				zap.String("payment_id", payment.ID),
				zap.String("status", payment.Status),
			)
			return nil
		}
		if err := dispatcher.grantCredits(ctx, txStore, payment.UserID, payment.Credits, credits.TransactionPurchase, payment.ID,
			fmt.Sprintf("Purchased %d credits", payment.Credits)); err != nil {
			return err
		}
		dispatcher.logger.Info("payment completed",
			zap.String("payment_id", payment.ID),
			zap.String("user_id", payment.UserID),
			zap.Int64("credits", payment.Credits),
		)
		return nil
	})
}

func (dispatcher *Dispatcher) handlePaymentFailed(ctx context.Context, data EventData) error {
	paymentID := data.Metadata["paymentId"]
	if paymentID == "" {
		dispatcher.logger.Error("payment.failed without paymentId metadata",
			zap.String("dodo_payment_id", data.PaymentID),
		)
		return nil
	}
	reason := data.ErrorMessage
	if reason == "" {
		reason = "payment failed"
	}
	applied, err := dispatcher.store.FailPayment(ctx, paymentID, reason, dispatcher.nowFn())
	if err != nil {
		return err
	}
	if applied {
		dispatcher.logger.Info("payment failed", zap.String("payment_id", paymentID), zap.String("reason", reason))
	}
	return nil
}

func (dispatcher *Dispatcher) handleSubscriptionCreated(ctx context.Context, data EventData) error {
	userID := data.Metadata["userId"]
	if userID == "" || data.SubscriptionID == "" {
		dispatcher.logger.Error("subscription.created missing userId metadata or subscription id",
			zap.String("subscription_id", data.SubscriptionID),
		)
		return nil
	}
	plan, err := PlanByID(data.ProductID)
	if err != nil {
		dispatcher.logger.Error("subscription.created for unknown plan",
			zap.String("product_id", data.ProductID),
		)
		return nil
	}
	return dispatcher.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		now := dispatcher.nowFn()
		existing, found, err := txStore.GetSubscriptionByProviderID(ctx, data.SubscriptionID)
		if err != nil {
			return err
		}
		if found && existing.Status == SubscriptionActive {
			dispatcher.logger.Info("subscription already active, skipping",
				zap.String("subscription_id", data.SubscriptionID),
			)
			return nil
		}
		if _, err := txStore.UpsertSubscription(ctx, Subscription{
			UserID:             userID,
			PlanID:             plan.ID,
			Status:             SubscriptionActive,
			DodoSubscriptionID: data.SubscriptionID,
			PeriodEndUnixUTC:   parsePeriodEnd(data.NextBillingDate),
			CreatedUnixUTC:     now,
			UpdatedUnixUTC:     now,
		}); err != nil {
			return err
		}
		if plan.MonthlyCredits > 0 {
			if err := dispatcher.grantCredits(ctx, txStore, userID, plan.MonthlyCredits, credits.TransactionSubscription, "",
				fmt.Sprintf("%s plan monthly credits", plan.Name)); err != nil {
				return err
			}
		}
		dispatcher.logger.Info("subscription created",
			zap.String("user_id", userID),
			zap.String("plan_id", plan.ID),
			zap.String("subscription_id", data.SubscriptionID),
		)
		return nil
	})
}

func (dispatcher *Dispatcher) handleSubscriptionChanged(ctx context.Context, eventType string, data EventData) error {
	if data.SubscriptionID == "" {
		dispatcher.logger.Error("subscription event without subscription id", zap.String("type", eventType))
		return nil
	}
	status := data.Status
	if eventType == EventSubscriptionDeleted || status == "" {
		status = SubscriptionCancelled
	}
	applied, err := dispatcher.store.UpdateSubscriptionStatus(ctx,
		data.SubscriptionID, status, parsePeriodEnd(data.NextBillingDate), data.CancelAtNextBillingDate, dispatcher.nowFn())
	if err != nil {
		return err
	}
	if !applied {
		dispatcher.logger.Error("subscription event for unknown subscription",
			zap.String("subscription_id", data.SubscriptionID),
		)
		return nil
	}
	dispatcher.logger.Info("subscription updated",
		zap.String("subscription_id", data.SubscriptionID),
		zap.String("status", status),
	)
	return nil
}

func (dispatcher *Dispatcher) handleRefundCreated(ctx context.Context, data EventData) error {
	if data.RefundID == "" || data.PaymentID == "" {
		dispatcher.logger.Error("refund.created missing refund or payment id")
		return nil
	}
	return dispatcher.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		now := dispatcher.nowFn()
		payment, found, err := txStore.GetPaymentByDodoPaymentID(ctx, data.PaymentID)
		if err != nil {
			return err
		}
		if !found {
			dispatcher.logger.Error("refund.created for unknown payment",
				zap.String("dodo_payment_id", data.PaymentID),
			)
			return nil
		}

		// The provider sends refund.created for every state of the refund.
		// Credits move only once it reports the money as settled; anything
		// else just records the refund as pending.
		if data.Status != providerRefundSucceeded {
			_, err := txStore.CreateRefund(ctx, Refund{
				PaymentID:      payment.ID,
				UserID:         payment.UserID,
				DodoRefundID:   data.RefundID,
				AmountCents:    payment.AmountCents,
				Credits:        payment.Credits,
				Status:         RefundPending,
				Reason:         "provider initiated",
				CreatedUnixUTC: now,
				UpdatedUnixUTC: now,
			})
			if err != nil && !errors.Is(err, ErrDuplicateRefund) {
				return err
			}
			dispatcher.logger.Info("refund awaiting settlement",
				zap.String("refund_id", data.RefundID),
				zap.String("provider_status", data.Status),
			)
			return nil
		}

		applied, err := txStore.MarkRefundSucceeded(ctx, data.RefundID, now)
		if err != nil {
			return err
		}
		if !applied {
			// No pending row: either provider-initiated refund (create the
			// row now) or a redelivery (drop it).
			_, err := txStore.CreateRefund(ctx, Refund{
				PaymentID:      payment.ID,
				UserID:         payment.UserID,
				DodoRefundID:   data.RefundID,
				AmountCents:    payment.AmountCents,
				Credits:        payment.Credits,
				Status:         RefundSucceeded,
				Reason:         "provider initiated",
				CreatedUnixUTC: now,
				UpdatedUnixUTC: now,
			})
			if errors.Is(err, ErrDuplicateRefund) {
				dispatcher.logger.Info("refund already processed, skipping",
					zap.String("refund_id", data.RefundID),
				)
				return nil
			}
			if err != nil {
				return err
			}
		}

		if _, err := txStore.MarkPaymentRefunded(ctx, payment.ID, now); err != nil {
			return err
		}
		if err := dispatcher.revokeCredits(ctx, txStore, payment.UserID, payment.Credits, payment.ID); err != nil {
			return err
		}
		dispatcher.logger.Info("refund processed",
			zap.String("refund_id", data.RefundID),
			zap.String("payment_id", payment.ID),
		)
		return nil
	})
}

func (dispatcher *Dispatcher) grantCredits(ctx context.Context, txStore Store, userID string, amount int64, transactionType credits.TransactionType, paymentID string, description string) error {
	ledger, err := credits.NewService(txStore.Ledger(), dispatcher.nowFn)
	if err != nil {
		return err
	}
	uid, err := credits.NewUserID(userID)
	if err != nil {
		return err
	}
	grantAmount, err := credits.NewAmount(amount)
	if err != nil {
		return err
	}
	_, err = ledger.AddCredits(ctx, credits.AddParams{
		UserID:      uid,
		Amount:      grantAmount,
		Type:        transactionType,
		PaymentID:   paymentID,
		Description: description,
	})
	return err
}

// revokeCredits claws back refunded credits. When the user already spent part
// of the bundle only the remaining balance is taken; the ledger never goes
// negative.
func (dispatcher *Dispatcher) revokeCredits(ctx context.Context, txStore Store, userID string, amount int64, paymentID string) error {
	ledger, err := credits.NewService(txStore.Ledger(), dispatcher.nowFn)
	if err != nil {
		return err
	}
	uid, err := credits.NewUserID(userID)
	if err != nil {
		return err
	}
	balance, err := ledger.Balance(ctx, uid)
	if err != nil {
		return err
	}
	if balance < amount {
		dispatcher.logger.Warn("refund exceeds balance, clawing back remainder only",
			zap.String("user_id", userID),
			zap.Int64("refund_credits", amount),
			zap.Int64("balance", balance),
		)
		amount = balance
	}
	if amount <= 0 {
		return nil
	}
	revokeAmount, err := credits.NewAmount(amount)
	if err != nil {
		return err
	}
	_, err = ledger.DeductCredits(ctx, credits.DeductParams{
		UserID:      uid,
		Amount:      revokeAmount,
		Type:        credits.TransactionRefund,
		Description: fmt.Sprintf("Refund for payment %s", paymentID),
	})
	return err
}

func parsePeriodEnd(raw string) int64 {
	if raw == "" {
		return 0
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	return parsed.UTC().Unix()
}
