package billing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/morphclip/morphclip/internal/billing/dodo"
)

// Provider is the slice of the payment provider client the service needs.
type Provider interface {
	CancelSubscription(ctx context.Context, subscriptionID string) (dodo.CancelSubscriptionResult, error)
	CreateRefund(ctx context.Context, paymentID string, reason string) (dodo.CreateRefundResult, error)
}

// CheckoutSession is a prepared redirect to the provider's hosted checkout.
type CheckoutSession struct {
	PaymentID   string
	CheckoutURL string
}

// Service owns the user-initiated billing flows. Provider events flow through
// the Dispatcher instead.
type Service struct {
	store           Store
	provider        Provider
	checkoutBaseURL string
	nowFn           func() int64
	logger          *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, provider Provider, checkoutBaseURL string, now func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("billing: store dependency is nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing: provider dependency is nil")
	}
	if strings.TrimSpace(checkoutBaseURL) == "" {
		return nil, fmt.Errorf("billing: checkout base url is required")
	}
	if now == nil {
		return nil, fmt.Errorf("billing: clock dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:           store,
		provider:        provider,
		checkoutBaseURL: strings.TrimRight(checkoutBaseURL, "/"),
		nowFn:           now,
		logger:          logger,
	}, nil
}

// CreateCheckout records a PENDING payment for a credit package and returns
// the hosted checkout URL. The user id and internal payment id ride along as
// metadata so the completion webhook can find the row again.
func (service *Service) CreateCheckout(ctx context.Context, userID string, productID string) (CheckoutSession, error) {
	creditPackage, err := PackageByProductID(productID)
	if err != nil {
		return CheckoutSession{}, err
	}
	now := service.nowFn()
	payment, err := service.store.CreatePayment(ctx, Payment{
		UserID:         userID,
		ProductID:      creditPackage.ProductID,
		Credits:        creditPackage.Credits,
		AmountCents:    creditPackage.PriceCents,
		Currency:       "USD",
		Status:         PaymentPending,
		CreatedUnixUTC: now,
		UpdatedUnixUTC: now,
	})
	if err != nil {
		return CheckoutSession{}, err
	}
	service.logger.Info("checkout created",
		zap.String("payment_id", payment.ID),
		zap.String("user_id", userID),
		zap.String("product_id", productID),
	)
	return CheckoutSession{
		PaymentID:   payment.ID,
		CheckoutURL: service.checkoutURL(creditPackage.ProductID, userID, payment.ID),
	}, nil
}

// CreateSubscriptionCheckout returns the hosted checkout URL for a plan. No
// local row is written up front; subscription.created carries everything
// needed to build one.
func (service *Service) CreateSubscriptionCheckout(ctx context.Context, userID string, planID string) (CheckoutSession, error) {
	plan, err := PlanByID(planID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if plan.CustomPricing {
		return CheckoutSession{}, ErrPlanNotPurchasable
	}
	return CheckoutSession{
		CheckoutURL: service.checkoutURL(plan.ID, userID, ""),
	}, nil
}

func (service *Service) checkoutURL(productID string, userID string, paymentID string) string {
	query := url.Values{}
	query.Set("quantity", "1")
	query.Set("metadata[userId]", userID)
	if paymentID != "" {
		query.Set("metadata[paymentId]", paymentID)
	}
	return fmt.Sprintf("%s/buy/%s?%s", service.checkoutBaseURL, productID, query.Encode())
}

// Subscription returns the user's current subscription.
func (service *Service) Subscription(ctx context.Context, userID string) (Subscription, error) {
	subscription, found, err := service.store.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return Subscription{}, err
	}
	if !found {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return subscription, nil
}

// CancelSubscription asks the provider to stop the user's subscription at
// period end and mirrors the flag locally. The provider remains authoritative
// for the final status transition, delivered via webhook.
func (service *Service) CancelSubscription(ctx context.Context, userID string) (Subscription, error) {
	subscription, found, err := service.store.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return Subscription{}, err
	}
	if !found {
		return Subscription{}, ErrSubscriptionNotFound
	}
	result, err := service.provider.CancelSubscription(ctx, subscription.DodoSubscriptionID)
	if err != nil {
		return Subscription{}, err
	}
	now := service.nowFn()
	if _, err := service.store.UpdateSubscriptionStatus(ctx, subscription.DodoSubscriptionID, subscription.Status, subscription.PeriodEndUnixUTC, true, now); err != nil {
		return Subscription{}, err
	}
	subscription.CancelAtPeriodEnd = true
	subscription.UpdatedUnixUTC = now
	service.logger.Info("subscription cancellation requested",
		zap.String("user_id", userID),
		zap.String("subscription_id", subscription.DodoSubscriptionID),
		zap.String("provider_status", result.Status),
	)
	return subscription, nil
}

// RequestRefund asks the provider to refund a completed payment and records a
// PENDING refund row. refund.created finalizes it. A payment owned by another
// user reads as not found.
func (service *Service) RequestRefund(ctx context.Context, userID string, paymentID string, reason string) (Refund, error) {
	payment, found, err := service.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Refund{}, err
	}
	if !found || payment.UserID != userID {
		return Refund{}, ErrPaymentNotFound
	}
	if payment.Status != PaymentCompleted {
		return Refund{}, fmt.Errorf("billing: payment %s is %s, only completed payments can be refunded", paymentID, payment.Status)
	}
	result, err := service.provider.CreateRefund(ctx, payment.DodoPaymentID, reason)
	if err != nil {
		return Refund{}, err
	}
	now := service.nowFn()
	refund, err := service.store.CreateRefund(ctx, Refund{
		PaymentID:      payment.ID,
		UserID:         payment.UserID,
		DodoRefundID:   result.RefundID,
		AmountCents:    payment.AmountCents,
		Credits:        payment.Credits,
		Status:         RefundPending,
		Reason:         reason,
		CreatedUnixUTC: now,
		UpdatedUnixUTC: now,
	})
	if err != nil {
		return Refund{}, err
	}
	service.logger.Info("refund requested",
		zap.String("payment_id", payment.ID),
		zap.String("refund_id", refund.DodoRefundID),
	)
	return refund, nil
}

// Payments returns the user's most recent payments.
func (service *Service) Payments(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 20
	}
	return service.store.ListPayments(ctx, userID, limit)
}
