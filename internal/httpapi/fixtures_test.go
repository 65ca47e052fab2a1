package httpapi

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/morphclip/morphclip/internal/billing"
	"github.com/morphclip/morphclip/internal/billing/dodo"
	"github.com/morphclip/morphclip/internal/config"
	"github.com/morphclip/morphclip/internal/guestgate"
	"github.com/morphclip/morphclip/internal/outbox"
	"github.com/morphclip/morphclip/internal/users"
	"github.com/morphclip/morphclip/internal/videoapi"
	"github.com/morphclip/morphclip/internal/videos"
	"github.com/morphclip/morphclip/pkg/credits"
)

const testWebhookSecret = "whsec_MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

var errTestStore = errors.New("store unavailable")

// fixture assembles a Server over in-memory stores.
type fixture struct {
	server   *Server
	guests   *memGuestStore
	ledger   *memLedgerStore
	queue    *memQueueStore
	videos   *memVideoStore
	tasks    *memTaskClient
	profiles *memUserStore
	waker    *recordingWaker
}

func newFixture(test *testing.T, mutate func(cfg *config.Config)) *fixture {
	test.Helper()
	cfg := config.Config{
		Environment:       config.EnvironmentDevelopment,
		SessionSigningKey: "test-signing-key",
		DodoWebhookSecret: testWebhookSecret,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}

	guests := &memGuestStore{}
	ledgerStore := newMemLedgerStore()
	queue := &memQueueStore{}
	videoStore := &memVideoStore{}
	waker := &recordingWaker{}
	clock := func() int64 { return 1700000000 }

	gate, err := guestgate.New(guests, clock, zap.NewNop())
	if err != nil {
		test.Fatalf("gate: %v", err)
	}
	ledger, err := credits.NewService(ledgerStore, clock)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	billingStore := &memBillingStore{ledger: ledgerStore}
	billingService, err := billing.NewService(billingStore, &memProvider{}, "https://checkout.dodopayments.com", clock, zap.NewNop())
	if err != nil {
		test.Fatalf("billing: %v", err)
	}
	tasks := &memTaskClient{}
	videoService, err := videos.NewService(videoStore, tasks, ledger, clock, zap.NewNop())
	if err != nil {
		test.Fatalf("videos: %v", err)
	}
	profiles := &memUserStore{byID: map[string]users.User{}}
	userService, err := users.NewService(profiles, clock, zap.NewNop())
	if err != nil {
		test.Fatalf("users: %v", err)
	}

	server, err := NewServer(cfg, zap.NewNop(), gate, ledger, billingService, videoService, userService, queue, waker)
	if err != nil {
		test.Fatalf("server: %v", err)
	}
	return &fixture{server: server, guests: guests, ledger: ledgerStore, queue: queue, videos: videoStore, tasks: tasks, profiles: profiles, waker: waker}
}

func (f *fixture) signSession(test *testing.T, userID string, email string) string {
	test.Helper()
	token, err := f.server.validator.Sign(userID, email, "Test User", time.Hour)
	if err != nil {
		test.Fatalf("sign session: %v", err)
	}
	return token
}

type memGuestStore struct {
	usages    []guestgate.Usage
	findError error
}

func (store *memGuestStore) FindUsage(ctx context.Context, ipAddress string, fingerprint string) (guestgate.Usage, bool, error) {
	if store.findError != nil {
		return guestgate.Usage{}, false, store.findError
	}
	for index := len(store.usages) - 1; index >= 0; index-- {
		usage := store.usages[index]
		if usage.IPAddress == ipAddress || usage.Fingerprint == fingerprint {
			return usage, true, nil
		}
	}
	return guestgate.Usage{}, false, nil
}

func (store *memGuestStore) CreateUsage(ctx context.Context, usage guestgate.Usage) (guestgate.Usage, error) {
	usage.ID = fmt.Sprintf("usage-%d", len(store.usages)+1)
	store.usages = append(store.usages, usage)
	return usage, nil
}

type memLedgerStore struct {
	accounts     map[string]credits.Account
	transactions []credits.Transaction
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{accounts: map[string]credits.Account{}}
}

func (store *memLedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *memLedgerStore) GetAccount(ctx context.Context, userID string) (credits.Account, bool, error) {
	account, found := store.accounts[userID]
	return account, found, nil
}

func (store *memLedgerStore) GetOrCreateAccount(ctx context.Context, userID string) (credits.Account, error) {
	if account, found := store.accounts[userID]; found {
		return account, nil
	}
	account := credits.Account{UserID: userID}
	store.accounts[userID] = account
	return account, nil
}

func (store *memLedgerStore) UpdateAccount(ctx context.Context, account credits.Account) error {
	store.accounts[account.UserID] = account
	return nil
}

func (store *memLedgerStore) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.Transaction, error) {
	transaction.ID = fmt.Sprintf("txn-%d", len(store.transactions)+1)
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *memLedgerStore) ListTransactions(ctx context.Context, userID string, limit int, offset int) ([]credits.Transaction, error) {
	newestFirst := make([]credits.Transaction, 0, len(store.transactions))
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].UserID == userID {
			newestFirst = append(newestFirst, store.transactions[index])
		}
	}
	if offset >= len(newestFirst) {
		return []credits.Transaction{}, nil
	}
	newestFirst = newestFirst[offset:]
	if limit < len(newestFirst) {
		newestFirst = newestFirst[:limit]
	}
	return newestFirst, nil
}

func (store *memLedgerStore) CountTransactions(ctx context.Context, userID string) (int64, error) {
	var total int64
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			total++
		}
	}
	return total, nil
}

type memBillingStore struct {
	ledger   *memLedgerStore
	payments map[string]*billing.Payment
	nextID   int
}

func (store *memBillingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return fn(ctx, store)
}

func (store *memBillingStore) Ledger() credits.Store { return store.ledger }

func (store *memBillingStore) CreatePayment(ctx context.Context, payment billing.Payment) (billing.Payment, error) {
	if store.payments == nil {
		store.payments = map[string]*billing.Payment{}
	}
	store.nextID++
	payment.ID = fmt.Sprintf("pay-%d", store.nextID)
	store.payments[payment.ID] = &payment
	return payment, nil
}

func (store *memBillingStore) GetPayment(ctx context.Context, paymentID string) (billing.Payment, bool, error) {
	payment, found := store.payments[paymentID]
	if !found {
		return billing.Payment{}, false, nil
	}
	return *payment, true, nil
}

func (store *memBillingStore) GetPaymentByDodoPaymentID(ctx context.Context, dodoPaymentID string) (billing.Payment, bool, error) {
	return billing.Payment{}, false, nil
}

func (store *memBillingStore) CompletePayment(ctx context.Context, paymentID string, dodoPaymentID string, updatedUnixUTC int64) (bool, error) {
	return false, nil
}

func (store *memBillingStore) FailPayment(ctx context.Context, paymentID string, reason string, updatedUnixUTC int64) (bool, error) {
	return false, nil
}

func (store *memBillingStore) MarkPaymentRefunded(ctx context.Context, paymentID string, updatedUnixUTC int64) (bool, error) {
	return false, nil
}

func (store *memBillingStore) ListPayments(ctx context.Context, userID string, limit int) ([]billing.Payment, error) {
	return nil, nil
}

func (store *memBillingStore) UpsertSubscription(ctx context.Context, subscription billing.Subscription) (billing.Subscription, error) {
	return subscription, nil
}

func (store *memBillingStore) GetSubscriptionByUser(ctx context.Context, userID string) (billing.Subscription, bool, error) {
	return billing.Subscription{}, false, nil
}

func (store *memBillingStore) GetSubscriptionByProviderID(ctx context.Context, dodoSubscriptionID string) (billing.Subscription, bool, error) {
	return billing.Subscription{}, false, nil
}

func (store *memBillingStore) UpdateSubscriptionStatus(ctx context.Context, dodoSubscriptionID string, status string, periodEndUnixUTC int64, cancelAtPeriodEnd bool, updatedUnixUTC int64) (bool, error) {
	return false, nil
}

func (store *memBillingStore) CreateRefund(ctx context.Context, refund billing.Refund) (billing.Refund, error) {
	return refund, nil
}

func (store *memBillingStore) MarkRefundSucceeded(ctx context.Context, dodoRefundID string, updatedUnixUTC int64) (bool, error) {
	return false, nil
}

type memProvider struct{}

func (provider *memProvider) CancelSubscription(ctx context.Context, subscriptionID string) (dodo.CancelSubscriptionResult, error) {
	return dodo.CancelSubscriptionResult{SubscriptionID: subscriptionID, Status: "cancelled"}, nil
}

func (provider *memProvider) CreateRefund(ctx context.Context, paymentID string, reason string) (dodo.CreateRefundResult, error) {
	return dodo.CreateRefundResult{RefundID: "dodo-ref-1", Status: "pending"}, nil
}

type memVideoStore struct {
	videos []videos.Video
	nextID int
}

func (store *memVideoStore) CreateVideo(ctx context.Context, video videos.Video) (videos.Video, error) {
	store.nextID++
	video.ID = fmt.Sprintf("video-%d", store.nextID)
	store.videos = append(store.videos, video)
	return video, nil
}

func (store *memVideoStore) GetVideo(ctx context.Context, videoID string) (videos.Video, bool, error) {
	for _, video := range store.videos {
		if video.ID == videoID {
			return video, true, nil
		}
	}
	return videos.Video{}, false, nil
}

func (store *memVideoStore) GetVideoByTaskID(ctx context.Context, taskID string) (videos.Video, bool, error) {
	for _, video := range store.videos {
		if video.ProviderTaskID == taskID {
			return video, true, nil
		}
	}
	return videos.Video{}, false, nil
}

func (store *memVideoStore) FinishVideo(ctx context.Context, videoID string, status string, resultURL string, errorMessage string, updatedUnixUTC int64) (bool, error) {
	for index := range store.videos {
		if store.videos[index].ID != videoID || store.videos[index].Status != videos.StatusProcessing {
			continue
		}
		store.videos[index].Status = status
		store.videos[index].ResultURL = resultURL
		store.videos[index].ErrorMessage = errorMessage
		return true, nil
	}
	return false, nil
}

func (store *memVideoStore) ListProcessingBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]videos.Video, error) {
	return nil, nil
}

func (store *memVideoStore) ListVideosByUser(ctx context.Context, userID string, limit int) ([]videos.Video, error) {
	var owned []videos.Video
	for _, video := range store.videos {
		if video.UserID == userID {
			owned = append(owned, video)
		}
		if limit > 0 && len(owned) >= limit {
			break
		}
	}
	return owned, nil
}

func (store *memVideoStore) DeleteVideo(ctx context.Context, videoID string) (bool, error) {
	for index := range store.videos {
		if store.videos[index].ID == videoID {
			store.videos = append(store.videos[:index], store.videos[index+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type memTaskClient struct {
	lastRequest videoapi.ModifyRequest
}

func (client *memTaskClient) CreateModifyTask(ctx context.Context, request videoapi.ModifyRequest) (string, error) {
	client.lastRequest = request
	return "task-1", nil
}

func (client *memTaskClient) TaskStatus(ctx context.Context, taskID string) (videoapi.TaskStatus, error) {
	return videoapi.TaskStatus{
		TaskID:      taskID,
		SuccessFlag: videoapi.FlagSuccess,
		Response:    &videoapi.TaskResult{ResultURLs: []string{"https://cdn.example.com/out.mp4"}},
	}, nil
}

type memUserStore struct {
	byID map[string]users.User
}

func (store *memUserStore) GetUserByID(ctx context.Context, userID string) (users.User, bool, error) {
	user, found := store.byID[userID]
	return user, found, nil
}

func (store *memUserStore) GetUserByEmail(ctx context.Context, email string) (users.User, bool, error) {
	for _, user := range store.byID {
		if user.Email == email {
			return user, true, nil
		}
	}
	return users.User{}, false, nil
}

func (store *memUserStore) UpsertUser(ctx context.Context, user users.User) (users.User, error) {
	store.byID[user.ID] = user
	return user, nil
}

type memQueueStore struct {
	jobs         []outbox.Job
	enqueueError error
}

func (store *memQueueStore) Enqueue(ctx context.Context, eventType string, payload []byte, nowUnixUTC int64) (outbox.Job, error) {
	if store.enqueueError != nil {
		return outbox.Job{}, store.enqueueError
	}
	job := outbox.Job{
		ID:        fmt.Sprintf("job-%d", len(store.jobs)+1),
		EventType: eventType,
		Payload:   payload,
		Status:    outbox.StatusPending,
	}
	store.jobs = append(store.jobs, job)
	return job, nil
}

func (store *memQueueStore) ClaimNext(ctx context.Context, nowUnixUTC int64) (outbox.Job, bool, error) {
	return outbox.Job{}, false, nil
}

func (store *memQueueStore) MarkProcessed(ctx context.Context, jobID string, nowUnixUTC int64) error {
	return nil
}

func (store *memQueueStore) Release(ctx context.Context, jobID string, attempts int, lastError string, nowUnixUTC int64) error {
	return nil
}

type recordingWaker struct {
	nudges int
}

func (waker *recordingWaker) Nudge() { waker.nudges++ }
