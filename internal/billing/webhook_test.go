package billing

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
)

func mustDispatcher(test *testing.T, store Store) *Dispatcher {
	test.Helper()
	dispatcher, err := NewDispatcher(store, func() int64 { return 1700000000 }, zap.NewNop())
	if err != nil {
		test.Fatalf("dispatcher: %v", err)
	}
	return dispatcher
}

func seedPendingPayment(test *testing.T, store *stubBillingStore) Payment {
	test.Helper()
	payment, err := store.CreatePayment(context.Background(), Payment{
		UserID:      "user-1",
		ProductID:   "pdt_Yx6bTyxVG2e02BeXAsb9i",
		Credits:     50,
		AmountCents: 499,
		Currency:    "USD",
		Status:      PaymentPending,
	})
	if err != nil {
		test.Fatalf("seed payment: %v", err)
	}
	return payment
}

func eventPayload(test *testing.T, eventType string, data EventData) []byte {
	test.Helper()
	payload, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		test.Fatalf("marshal event: %v", err)
	}
	return payload
}

func TestPaymentSucceededGrantsCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	payment := seedPendingPayment(test, store)
	dispatcher := mustDispatcher(test, store)

	payload := eventPayload(test, EventPaymentSucceeded, EventData{
		PaymentID: "dodo-pay-1",
		Metadata:  map[string]string{"userId": "user-1", "paymentId": payment.ID},
	})
	if err := dispatcher.Dispatch(context.Background(), payload); err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	stored := store.payments[payment.ID]
	if stored.Status != PaymentCompleted || stored.DodoPaymentID != "dodo-pay-1" {
		test.Fatalf("unexpected payment state %+v", stored)
	}
	if balance := store.ledger.accounts["user-1"].Balance; balance != 50 {
		test.Fatalf("expected 50 credits granted, got %d", balance)
	}

	// Redelivery must change nothing.
	if err := dispatcher.Dispatch(context.Background(), payload); err != nil {
		test.Fatalf("redelivery: %v", err)
	}
	if balance := store.ledger.accounts["user-1"].Balance; balance != 50 {
		test.Fatalf("redelivery granted credits again, balance %d", balance)
	}
	if len(store.ledger.transactions) != 1 {
		test.Fatalf("expected exactly 1 ledger row, got %d", len(store.ledger.transactions))
	}
}

func TestPaymentSucceededWithoutMetadataIsDropped(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	seedPendingPayment(test, store)
	dispatcher := mustDispatcher(test, store)

	payload := eventPayload(test, EventPaymentSucceeded, EventData{PaymentID: "dodo-pay-1"})
	if err := dispatcher.Dispatch(context.Background(), payload); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	if len(store.ledger.transactions) != 0 {
		test.Fatal("incomplete event must not touch the ledger")
	}
}

func TestPaymentFailedRecordsReason(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	payment := seedPendingPayment(test, store)
	dispatcher := mustDispatcher(test, store)

	payload := eventPayload(test, EventPaymentFailed, EventData{
		ErrorMessage: "card declined",
		Metadata:     map[string]string{"paymentId": payment.ID},
	})
	if err := dispatcher.Dispatch(context.Background(), payload); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	stored := store.payments[payment.ID]
	if stored.Status != PaymentFailed || stored.FailureReason != "card declined" {
		test.Fatalf("unexpected payment state %+v", stored)
	}
}

func TestSubscriptionCreatedGrantsPlanCredits(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	dispatcher := mustDispatcher(test, store)

	payload := eventPayload(test, EventSubscriptionCreated, EventData{
		SubscriptionID:  "dodo-sub-1",
		ProductID:       "plan_pro_monthly",
		NextBillingDate: "2026-10-01T00:00:00Z",
		Metadata:        map[string]string{"userId": "user-1"},
	})
	if err := dispatcher.Dispatch(context.Background(), payload); err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	subscription := store.subscriptions["dodo-sub-1"]
	if subscription == nil || subscription.Status != SubscriptionActive || subscription.PlanID != "plan_pro_monthly" {
		test.Fatalf("unexpected subscription %+v", subscription)
	}
	if subscription.PeriodEndUnixUTC == 0 {
		test.Fatal("expected period end parsed from next_billing_date")
	}
	if balance := store.ledger.accounts["user-1"].Balance; balance != 500 {
		test.Fatalf("expected 500 plan credits, got %d", balance)
	}

	// Redelivery: subscription already active, no second grant.
	if err := dispatcher.Dispatch(context.Background(), payload); err != nil {
		test.Fatalf("redelivery: %v", err)
	}
	if balance := store.ledger.accounts["user-1"].Balance; balance != 500 {
		test.Fatalf("redelivery granted plan credits again, balance %d", balance)
	}
}

func TestSubscriptionDeletedMarksCancelled(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	store.subscriptions["dodo-sub-1"] = &Subscription{
		ID: "sub-1", UserID: "user-1", PlanID: "plan_pro_monthly",
		Status: SubscriptionActive, DodoSubscriptionID: "dodo-sub-1",
	}
	dispatcher := mustDispatcher(test, store)

	payload := eventPayload(test, EventSubscriptionDeleted, EventData{SubscriptionID: "dodo-sub-1"})
	if err := dispatcher.Dispatch(context.Background(), payload); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	if got := store.subscriptions["dodo-sub-1"].Status; got != SubscriptionCancelled {
		test.Fatalf("expected cancelled, got %q", got)
	}
}

func TestSubscriptionUpdatedAppliesProviderStatus(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	store.subscriptions["dodo-sub-1"] = &Subscription{
		ID: "sub-1", UserID: "user-1", PlanID: "plan_basic_monthly",
		Status: SubscriptionActive, DodoSubscriptionID: "dodo-sub-1",
	}
	dispatcher := mustDispatcher(test, store)

	payload := eventPayload(test, EventSubscriptionUpdated, EventData{
		SubscriptionID:          "dodo-sub-1",
		Status:                  SubscriptionOnHold,
		CancelAtNextBillingDate: true,
	})
	if err := dispatcher.Dispatch(context.Background(), payload); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	subscription := store.subscriptions["dodo-sub-1"]
	if subscription.Status != SubscriptionOnHold || !subscription.CancelAtPeriodEnd {
		test.Fatalf("unexpected subscription %+v", subscription)
	}
}

func TestRefundCreatedRevokesCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	payment := seedPendingPayment(test, store)
	dispatcher := mustDispatcher(test, store)

	succeeded := eventPayload(test, EventPaymentSucceeded, EventData{
		PaymentID: "dodo-pay-1",
		Metadata:  map[string]string{"paymentId": payment.ID},
	})
	if err := dispatcher.Dispatch(context.Background(), succeeded); err != nil {
		test.Fatalf("complete payment: %v", err)
	}

	refunded := eventPayload(test, EventRefundCreated, EventData{
		RefundID:  "dodo-ref-1",
		PaymentID: "dodo-pay-1",
		Status:    "succeeded",
	})
	if err := dispatcher.Dispatch(context.Background(), refunded); err != nil {
		test.Fatalf("refund: %v", err)
	}

	if got := store.payments[payment.ID].Status; got != PaymentRefunded {
		test.Fatalf("expected REFUNDED, got %q", got)
	}
	if balance := store.ledger.accounts["user-1"].Balance; balance != 0 {
		test.Fatalf("expected credits revoked, balance %d", balance)
	}
	refundRows := 0
	for _, transaction := range store.ledger.transactions {
		if transaction.Type == "REFUND" {
			refundRows++
		}
	}
	if refundRows != 1 {
		test.Fatalf("expected exactly one REFUND ledger row, got %d", refundRows)
	}

	// Redelivery is a no-op.
	if err := dispatcher.Dispatch(context.Background(), refunded); err != nil {
		test.Fatalf("redelivery: %v", err)
	}
	if len(store.ledger.transactions) != 2 {
		test.Fatalf("redelivery added ledger rows: %d", len(store.ledger.transactions))
	}
}

func TestRefundCreatedPendingStatusLeavesCreditsAlone(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	payment := seedPendingPayment(test, store)
	dispatcher := mustDispatcher(test, store)

	succeeded := eventPayload(test, EventPaymentSucceeded, EventData{
		PaymentID: "dodo-pay-1",
		Metadata:  map[string]string{"paymentId": payment.ID},
	})
	if err := dispatcher.Dispatch(context.Background(), succeeded); err != nil {
		test.Fatalf("complete payment: %v", err)
	}

	// User-initiated refund already recorded; the provider acknowledges it
	// before the money has moved.
	if _, err := store.CreateRefund(context.Background(), Refund{
		PaymentID:    payment.ID,
		UserID:       "user-1",
		DodoRefundID: "dodo-ref-1",
		AmountCents:  499,
		Credits:      50,
		Status:       RefundPending,
		Reason:       "customer request",
	}); err != nil {
		test.Fatalf("seed refund: %v", err)
	}

	pending := eventPayload(test, EventRefundCreated, EventData{
		RefundID:  "dodo-ref-1",
		PaymentID: "dodo-pay-1",
		Status:    "pending",
	})
	if err := dispatcher.Dispatch(context.Background(), pending); err != nil {
		test.Fatalf("pending dispatch: %v", err)
	}

	if balance := store.ledger.accounts["user-1"].Balance; balance != 50 {
		test.Fatalf("unsettled refund must not claw back credits, balance %d", balance)
	}
	if got := store.payments[payment.ID].Status; got != PaymentCompleted {
		test.Fatalf("unsettled refund must not touch the payment, got %q", got)
	}
	if got := store.refunds["dodo-ref-1"].Status; got != RefundPending {
		test.Fatalf("refund row must stay pending, got %q", got)
	}

	// Settlement arrives in a later delivery and finishes the job.
	settled := eventPayload(test, EventRefundCreated, EventData{
		RefundID:  "dodo-ref-1",
		PaymentID: "dodo-pay-1",
		Status:    "succeeded",
	})
	if err := dispatcher.Dispatch(context.Background(), settled); err != nil {
		test.Fatalf("settled dispatch: %v", err)
	}
	if balance := store.ledger.accounts["user-1"].Balance; balance != 0 {
		test.Fatalf("settled refund should revoke credits, balance %d", balance)
	}
	if got := store.refunds["dodo-ref-1"].Status; got != RefundSucceeded {
		test.Fatalf("refund row should read succeeded, got %q", got)
	}
	if got := store.payments[payment.ID].Status; got != PaymentRefunded {
		test.Fatalf("payment should read refunded, got %q", got)
	}
}

func TestRefundClampsToRemainingBalance(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	payment := seedPendingPayment(test, store)
	dispatcher := mustDispatcher(test, store)

	succeeded := eventPayload(test, EventPaymentSucceeded, EventData{
		PaymentID: "dodo-pay-1",
		Metadata:  map[string]string{"paymentId": payment.ID},
	})
	if err := dispatcher.Dispatch(context.Background(), succeeded); err != nil {
		test.Fatalf("complete payment: %v", err)
	}

	// User spends most of the bundle before the refund arrives.
	account := store.ledger.accounts["user-1"]
	account.Balance = 10
	account.TotalSpent = 40
	store.ledger.accounts["user-1"] = account

	refunded := eventPayload(test, EventRefundCreated, EventData{
		RefundID:  "dodo-ref-1",
		PaymentID: "dodo-pay-1",
		Status:    "succeeded",
	})
	if err := dispatcher.Dispatch(context.Background(), refunded); err != nil {
		test.Fatalf("refund: %v", err)
	}
	if balance := store.ledger.accounts["user-1"].Balance; balance != 0 {
		test.Fatalf("expected clamped clawback to zero, got %d", balance)
	}
}

func TestMalformedPayloadIsDroppedWithoutMutation(test *testing.T) {
	test.Parallel()
	store := newStubBillingStore()
	seedPendingPayment(test, store)
	dispatcher := mustDispatcher(test, store)

	if err := dispatcher.Dispatch(context.Background(), []byte("{not json")); err != nil {
		test.Fatalf("malformed payload must not error: %v", err)
	}
	if err := dispatcher.Dispatch(context.Background(), eventPayload(test, "payout.created", EventData{})); err != nil {
		test.Fatalf("unknown event must not error: %v", err)
	}
	if len(store.ledger.transactions) != 0 {
		test.Fatal("no ledger mutation expected")
	}
	for _, payment := range store.payments {
		if payment.Status != PaymentPending {
			test.Fatalf("payment mutated by malformed payload: %+v", payment)
		}
	}
}
