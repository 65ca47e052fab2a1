package credits

import (
	"context"
	"testing"
)

// stubStore is an in-memory Store used by the service tests. WithTx applies
// fn to the same store; mutation rollback on error is emulated by snapshotting.
type stubStore struct {
	accounts     map[string]Account
	transactions []Transaction
	nextID       int

	getAccountError    error
	createAccountError error
	updateAccountError error
	insertError        error
	listError          error
	countError         error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{accounts: map[string]Account{}}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	accountsBefore := make(map[string]Account, len(store.accounts))
	for userID, account := range store.accounts {
		accountsBefore[userID] = account
	}
	transactionsBefore := len(store.transactions)
	if err := fn(ctx, store); err != nil {
		store.accounts = accountsBefore
		store.transactions = store.transactions[:transactionsBefore]
		return err
	}
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, userID string) (Account, bool, error) {
	if store.getAccountError != nil {
		return Account{}, false, store.getAccountError
	}
	account, found := store.accounts[userID]
	return account, found, nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID string) (Account, error) {
	if store.createAccountError != nil {
		return Account{}, store.createAccountError
	}
	if account, found := store.accounts[userID]; found {
		return account, nil
	}
	account := Account{UserID: userID}
	store.accounts[userID] = account
	return account, nil
}

func (store *stubStore) UpdateAccount(ctx context.Context, account Account) error {
	if store.updateAccountError != nil {
		return store.updateAccountError
	}
	store.accounts[account.UserID] = account
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	if store.insertError != nil {
		return Transaction{}, store.insertError
	}
	store.nextID++
	transaction.ID = transactionID(store.nextID)
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID string, limit int, offset int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	newestFirst := make([]Transaction, 0, len(store.transactions))
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].UserID == userID {
			newestFirst = append(newestFirst, store.transactions[index])
		}
	}
	if offset >= len(newestFirst) {
		return []Transaction{}, nil
	}
	newestFirst = newestFirst[offset:]
	if limit < len(newestFirst) {
		newestFirst = newestFirst[:limit]
	}
	return newestFirst, nil
}

func (store *stubStore) CountTransactions(ctx context.Context, userID string) (int64, error) {
	if store.countError != nil {
		return 0, store.countError
	}
	var total int64
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			total++
		}
	}
	return total, nil
}

func transactionID(sequence int) string {
	return "txn-" + string(rune('0'+sequence%10)) + "-stub"
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAmount(test *testing.T, raw int64) Amount {
	test.Helper()
	amount, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
