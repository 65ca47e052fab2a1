package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/morphclip/morphclip/internal/billing"
	"github.com/morphclip/morphclip/pkg/credits"
)

// BillingStore implements billing.Store.
type BillingStore struct {
	db *gorm.DB
}

// NewBillingStore returns a BillingStore backed by gorm.DB.
func NewBillingStore(db *gorm.DB) *BillingStore {
	return &BillingStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *BillingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &BillingStore{db: transaction})
	})
}

// Ledger exposes a credits store bound to the same connection, so credit
// grants ride in the caller's transaction.
func (store *BillingStore) Ledger() credits.Store {
	return NewCreditStore(store.db)
}

func (store *BillingStore) CreatePayment(ctx context.Context, payment billing.Payment) (billing.Payment, error) {
	row := PaymentRow{
		UserID:        payment.UserID,
		ProductID:     payment.ProductID,
		Credits:       payment.Credits,
		AmountCents:   payment.AmountCents,
		Currency:      payment.Currency,
		Status:        payment.Status,
		DodoPaymentID: optionalString(payment.DodoPaymentID),
		CreatedAt:     time.Unix(payment.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:     time.Unix(payment.UpdatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return billing.Payment{}, err
	}
	return mapPayment(row), nil
}

func (store *BillingStore) GetPayment(ctx context.Context, paymentID string) (billing.Payment, bool, error) {
	var row PaymentRow
	err := store.db.WithContext(ctx).Where("payment_id = ?", paymentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Payment{}, false, nil
	}
	if err != nil {
		return billing.Payment{}, false, err
	}
	return mapPayment(row), true, nil
}

func (store *BillingStore) GetPaymentByDodoPaymentID(ctx context.Context, dodoPaymentID string) (billing.Payment, bool, error) {
	var row PaymentRow
	err := store.db.WithContext(ctx).Where("dodo_payment_id = ?", dodoPaymentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Payment{}, false, nil
	}
	if err != nil {
		return billing.Payment{}, false, err
	}
	return mapPayment(row), true, nil
}

func (store *BillingStore) CompletePayment(ctx context.Context, paymentID string, dodoPaymentID string, updatedUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PaymentRow{}).
		Where("payment_id = ? AND status = ?", paymentID, billing.PaymentPending).
		Updates(map[string]interface{}{
			"status":          billing.PaymentCompleted,
			"dodo_payment_id": dodoPaymentID,
			"updated_at":      time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (store *BillingStore) FailPayment(ctx context.Context, paymentID string, reason string, updatedUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PaymentRow{}).
		Where("payment_id = ? AND status = ?", paymentID, billing.PaymentPending).
		Updates(map[string]interface{}{
			"status":         billing.PaymentFailed,
			"failure_reason": reason,
			"updated_at":     time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (store *BillingStore) MarkPaymentRefunded(ctx context.Context, paymentID string, updatedUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PaymentRow{}).
		Where("payment_id = ? AND status = ?", paymentID, billing.PaymentCompleted).
		Updates(map[string]interface{}{
			"status":     billing.PaymentRefunded,
			"updated_at": time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (store *BillingStore) ListPayments(ctx context.Context, userID string, limit int) ([]billing.Payment, error) {
	var rows []PaymentRow
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	payments := make([]billing.Payment, 0, len(rows))
	for _, row := range rows {
		payments = append(payments, mapPayment(row))
	}
	return payments, nil
}

func (store *BillingStore) UpsertSubscription(ctx context.Context, subscription billing.Subscription) (billing.Subscription, error) {
	row := SubscriptionRow{
		SubscriptionID:     subscription.ID,
		UserID:             subscription.UserID,
		PlanID:             subscription.PlanID,
		Status:             subscription.Status,
		DodoSubscriptionID: subscription.DodoSubscriptionID,
		PeriodEnd:          optionalTime(subscription.PeriodEndUnixUTC),
		CancelAtPeriodEnd:  subscription.CancelAtPeriodEnd,
		CreatedAt:          time.Unix(subscription.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:          time.Unix(subscription.UpdatedUnixUTC, 0).UTC(),
	}

	var existing SubscriptionRow
	err := store.db.WithContext(ctx).Where("user_id = ?", subscription.UserID).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if createErr := store.db.WithContext(ctx).Create(&row).Error; createErr != nil {
			return billing.Subscription{}, createErr
		}
	case err != nil:
		return billing.Subscription{}, err
	default:
		row.SubscriptionID = existing.SubscriptionID
		row.CreatedAt = existing.CreatedAt
		if saveErr := store.db.WithContext(ctx).Save(&row).Error; saveErr != nil {
			return billing.Subscription{}, saveErr
		}
	}
	return mapSubscription(row), nil
}

func (store *BillingStore) GetSubscriptionByUser(ctx context.Context, userID string) (billing.Subscription, bool, error) {
	var row SubscriptionRow
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Subscription{}, false, nil
	}
	if err != nil {
		return billing.Subscription{}, false, err
	}
	return mapSubscription(row), true, nil
}

func (store *BillingStore) GetSubscriptionByProviderID(ctx context.Context, dodoSubscriptionID string) (billing.Subscription, bool, error) {
	var row SubscriptionRow
	err := store.db.WithContext(ctx).Where("dodo_subscription_id = ?", dodoSubscriptionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Subscription{}, false, nil
	}
	if err != nil {
		return billing.Subscription{}, false, err
	}
	return mapSubscription(row), true, nil
}

func (store *BillingStore) UpdateSubscriptionStatus(ctx context.Context, dodoSubscriptionID string, status string, periodEndUnixUTC int64, cancelAtPeriodEnd bool, updatedUnixUTC int64) (bool, error) {
	updates := map[string]interface{}{
		"status":               status,
		"cancel_at_period_end": cancelAtPeriodEnd,
		"updated_at":           time.Unix(updatedUnixUTC, 0).UTC(),
	}
	if periodEndUnixUTC > 0 {
		updates["period_end"] = time.Unix(periodEndUnixUTC, 0).UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&SubscriptionRow{}).
		Where("dodo_subscription_id = ?", dodoSubscriptionID).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (store *BillingStore) CreateRefund(ctx context.Context, refund billing.Refund) (billing.Refund, error) {
	row := RefundRow{
		PaymentID:    refund.PaymentID,
		UserID:       refund.UserID,
		DodoRefundID: refund.DodoRefundID,
		AmountCents:  refund.AmountCents,
		Credits:      refund.Credits,
		Status:       refund.Status,
		Reason:       refund.Reason,
		CreatedAt:    time.Unix(refund.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:    time.Unix(refund.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return billing.Refund{}, billing.ErrDuplicateRefund
	}
	if err != nil {
		return billing.Refund{}, err
	}
	return mapRefund(row), nil
}

func (store *BillingStore) MarkRefundSucceeded(ctx context.Context, dodoRefundID string, updatedUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&RefundRow{}).
		Where("dodo_refund_id = ? AND status = ?", dodoRefundID, billing.RefundPending).
		Updates(map[string]interface{}{
			"status":     billing.RefundSucceeded,
			"updated_at": time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func mapPayment(row PaymentRow) billing.Payment {
	return billing.Payment{
		ID:             row.PaymentID,
		UserID:         row.UserID,
		ProductID:      row.ProductID,
		Credits:        row.Credits,
		AmountCents:    row.AmountCents,
		Currency:       row.Currency,
		Status:         row.Status,
		DodoPaymentID:  stringOrEmpty(row.DodoPaymentID),
		FailureReason:  row.FailureReason,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}

func mapSubscription(row SubscriptionRow) billing.Subscription {
	return billing.Subscription{
		ID:                 row.SubscriptionID,
		UserID:             row.UserID,
		PlanID:             row.PlanID,
		Status:             row.Status,
		DodoSubscriptionID: row.DodoSubscriptionID,
		PeriodEndUnixUTC:   timeOrZero(row.PeriodEnd),
		CancelAtPeriodEnd:  row.CancelAtPeriodEnd,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
		UpdatedUnixUTC:     row.UpdatedAt.Unix(),
	}
}

func mapRefund(row RefundRow) billing.Refund {
	return billing.Refund{
		ID:             row.RefundID,
		PaymentID:      row.PaymentID,
		UserID:         row.UserID,
		DodoRefundID:   row.DodoRefundID,
		AmountCents:    row.AmountCents,
		Credits:        row.Credits,
		Status:         row.Status,
		Reason:         row.Reason,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}
