package billing

import (
	"context"
	"fmt"

	"github.com/morphclip/morphclip/pkg/credits"
)

// stubBillingStore is an in-memory Store shared by the billing tests. WithTx
// applies fn directly; the dispatcher tests assert on final state, not
// rollback mechanics.
type stubBillingStore struct {
	payments      map[string]*Payment
	subscriptions map[string]*Subscription
	refunds       map[string]*Refund
	ledger        *stubLedgerStore
	nextID        int
}

func newStubBillingStore() *stubBillingStore {
	return &stubBillingStore{
		payments:      map[string]*Payment{},
		subscriptions: map[string]*Subscription{},
		refunds:       map[string]*Refund{},
		ledger:        newStubLedgerStore(),
	}
}

func (store *stubBillingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubBillingStore) Ledger() credits.Store {
	return store.ledger
}

func (store *stubBillingStore) CreatePayment(ctx context.Context, payment Payment) (Payment, error) {
	store.nextID++
	payment.ID = fmt.Sprintf("pay-%d", store.nextID)
	store.payments[payment.ID] = &payment
	return payment, nil
}

func (store *stubBillingStore) GetPayment(ctx context.Context, paymentID string) (Payment, bool, error) {
	payment, found := store.payments[paymentID]
	if !found {
		return Payment{}, false, nil
	}
	return *payment, true, nil
}

func (store *stubBillingStore) GetPaymentByDodoPaymentID(ctx context.Context, dodoPaymentID string) (Payment, bool, error) {
	for _, payment := range store.payments {
		if payment.DodoPaymentID == dodoPaymentID {
			return *payment, true, nil
		}
	}
	return Payment{}, false, nil
}

func (store *stubBillingStore) CompletePayment(ctx context.Context, paymentID string, dodoPaymentID string, updatedUnixUTC int64) (bool, error) {
	payment, found := store.payments[paymentID]
	if !found || payment.Status != PaymentPending {
		return false, nil
	}
	payment.Status = PaymentCompleted
	payment.DodoPaymentID = dodoPaymentID
	payment.UpdatedUnixUTC = updatedUnixUTC
	return true, nil
}

func (store *stubBillingStore) FailPayment(ctx context.Context, paymentID string, reason string, updatedUnixUTC int64) (bool, error) {
	payment, found := store.payments[paymentID]
	if !found || payment.Status != PaymentPending {
		return false, nil
	}
	payment.Status = PaymentFailed
	payment.FailureReason = reason
	payment.UpdatedUnixUTC = updatedUnixUTC
	return true, nil
}

func (store *stubBillingStore) MarkPaymentRefunded(ctx context.Context, paymentID string, updatedUnixUTC int64) (bool, error) {
	payment, found := store.payments[paymentID]
	if !found || payment.Status != PaymentCompleted {
		return false, nil
	}
	payment.Status = PaymentRefunded
	payment.UpdatedUnixUTC = updatedUnixUTC
	return true, nil
}

func (store *stubBillingStore) ListPayments(ctx context.Context, userID string, limit int) ([]Payment, error) {
	var payments []Payment
	for _, payment := range store.payments {
		if payment.UserID == userID {
			payments = append(payments, *payment)
		}
		if len(payments) >= limit {
			break
		}
	}
	return payments, nil
}

func (store *stubBillingStore) UpsertSubscription(ctx context.Context, subscription Subscription) (Subscription, error) {
	if subscription.ID == "" {
		store.nextID++
		subscription.ID = fmt.Sprintf("sub-%d", store.nextID)
	}
	store.subscriptions[subscription.DodoSubscriptionID] = &subscription
	return subscription, nil
}

func (store *stubBillingStore) GetSubscriptionByUser(ctx context.Context, userID string) (Subscription, bool, error) {
	for _, subscription := range store.subscriptions {
		if subscription.UserID == userID {
			return *subscription, true, nil
		}
	}
	return Subscription{}, false, nil
}

func (store *stubBillingStore) GetSubscriptionByProviderID(ctx context.Context, dodoSubscriptionID string) (Subscription, bool, error) {
	subscription, found := store.subscriptions[dodoSubscriptionID]
	if !found {
		return Subscription{}, false, nil
	}
	return *subscription, true, nil
}

func (store *stubBillingStore) UpdateSubscriptionStatus(ctx context.Context, dodoSubscriptionID string, status string, periodEndUnixUTC int64, cancelAtPeriodEnd bool, updatedUnixUTC int64) (bool, error) {
	subscription, found := store.subscriptions[dodoSubscriptionID]
	if !found {
		return false, nil
	}
	subscription.Status = status
	if periodEndUnixUTC > 0 {
		subscription.PeriodEndUnixUTC = periodEndUnixUTC
	}
	subscription.CancelAtPeriodEnd = cancelAtPeriodEnd
	subscription.UpdatedUnixUTC = updatedUnixUTC
	return true, nil
}

func (store *stubBillingStore) CreateRefund(ctx context.Context, refund Refund) (Refund, error) {
	if _, exists := store.refunds[refund.DodoRefundID]; exists {
		return Refund{}, ErrDuplicateRefund
	}
	store.nextID++
	refund.ID = fmt.Sprintf("ref-%d", store.nextID)
	store.refunds[refund.DodoRefundID] = &refund
	return refund, nil
}

func (store *stubBillingStore) MarkRefundSucceeded(ctx context.Context, dodoRefundID string, updatedUnixUTC int64) (bool, error) {
	refund, found := store.refunds[dodoRefundID]
	if !found || refund.Status != RefundPending {
		return false, nil
	}
	refund.Status = RefundSucceeded
	refund.UpdatedUnixUTC = updatedUnixUTC
	return true, nil
}

// stubLedgerStore is the in-memory credits.Store behind Ledger().
type stubLedgerStore struct {
	accounts     map[string]credits.Account
	transactions []credits.Transaction
}

func newStubLedgerStore() *stubLedgerStore {
	return &stubLedgerStore{accounts: map[string]credits.Account{}}
}

func (store *stubLedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *stubLedgerStore) GetAccount(ctx context.Context, userID string) (credits.Account, bool, error) {
	account, found := store.accounts[userID]
	return account, found, nil
}

func (store *stubLedgerStore) GetOrCreateAccount(ctx context.Context, userID string) (credits.Account, error) {
	if account, found := store.accounts[userID]; found {
		return account, nil
	}
	account := credits.Account{UserID: userID}
	store.accounts[userID] = account
	return account, nil
}

func (store *stubLedgerStore) UpdateAccount(ctx context.Context, account credits.Account) error {
	store.accounts[account.UserID] = account
	return nil
}

func (store *stubLedgerStore) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.Transaction, error) {
	transaction.ID = fmt.Sprintf("txn-%d", len(store.transactions)+1)
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubLedgerStore) ListTransactions(ctx context.Context, userID string, limit int, offset int) ([]credits.Transaction, error) {
	return nil, nil
}

func (store *stubLedgerStore) CountTransactions(ctx context.Context, userID string) (int64, error) {
	return int64(len(store.transactions)), nil
}
