package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies a credit account owner.
type UserID struct {
	value string
}

// Amount is a strictly positive credit quantity used as operation input.
type Amount int64

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionPurchase     TransactionType = "PURCHASE"
	TransactionSubscription TransactionType = "SUBSCRIPTION"
	TransactionRefund       TransactionType = "REFUND"
	TransactionSpend        TransactionType = "SPEND"
	TransactionBonus        TransactionType = "BONUS"
)

// String returns the stored enum value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionType validates a raw transaction type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionSubscription, TransactionRefund, TransactionSpend, TransactionBonus:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 returns the raw amount.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// Account is the per-user balance snapshot. The balance equals
// TotalEarned - TotalSpent at all times and never goes negative.
type Account struct {
	UserID      string
	Balance     int64
	TotalEarned int64
	TotalSpent  int64
}

// Transaction is a single immutable line in the credit ledger. Amount is
// signed: positive for earnings, negative for spends.
type Transaction struct {
	ID             string
	UserID         string
	Type           TransactionType
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	PaymentID      string
	VideoID        string
	Description    string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// AddParams describes a credit grant.
type AddParams struct {
	UserID      UserID
	Amount      Amount
	Type        TransactionType
	Description string
	PaymentID   string
	Metadata    MetadataJSON
}

// DeductParams describes a credit spend.
type DeductParams struct {
	UserID      UserID
	Amount      Amount
	Type        TransactionType
	Description string
	VideoID     string
	Metadata    MetadataJSON
}

// Result is the outcome of a ledger mutation.
type Result struct {
	Balance     int64
	Transaction Transaction
}

// TransactionPage is a newest-first slice of a user's ledger history.
type TransactionPage struct {
	Transactions []Transaction
	Total        int64
	HasMore      bool
}

// Stats aggregates an account with its most recent transactions.
type Stats struct {
	Balance            int64
	TotalEarned        int64
	TotalSpent         int64
	RecentTransactions []Transaction
}

// Store is the persistence contract used by Service. Implementations must
// serialize concurrent mutations of the same account row inside WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, userID string) (Account, bool, error)
	GetOrCreateAccount(ctx context.Context, userID string) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int, offset int) ([]Transaction, error)
	CountTransactions(ctx context.Context, userID string) (int64, error)
}
