package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/morphclip/morphclip/pkg/credits"
)

// CreditStore implements credits.Store.
type CreditStore struct {
	db *gorm.DB
}

// NewCreditStore returns a CreditStore backed by gorm.DB.
func NewCreditStore(db *gorm.DB) *CreditStore {
	return &CreditStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *CreditStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &CreditStore{db: transaction})
	})
}

// GetAccount reads an account with a row write lock so concurrent mutations
// of the same user serialize inside WithTx.
func (store *CreditStore) GetAccount(ctx context.Context, userID string) (credits.Account, bool, error) {
	var row CreditAccount
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Account{}, false, nil
	}
	if err != nil {
		return credits.Account{}, false, err
	}
	return mapCreditAccount(row), true, nil
}

func (store *CreditStore) GetOrCreateAccount(ctx context.Context, userID string) (credits.Account, error) {
	row := CreditAccount{UserID: userID, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil && !isUniqueViolation(err) {
		return credits.Account{}, err
	}
	account, found, err := store.GetAccount(ctx, userID)
	if err != nil {
		return credits.Account{}, err
	}
	if !found {
		return credits.Account{}, gorm.ErrRecordNotFound
	}
	return account, nil
}

func (store *CreditStore) UpdateAccount(ctx context.Context, account credits.Account) error {
	return store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ?", account.UserID).
		Updates(map[string]interface{}{
			"balance":      account.Balance,
			"total_earned": account.TotalEarned,
			"total_spent":  account.TotalSpent,
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (store *CreditStore) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.Transaction, error) {
	row := CreditTransaction{
		UserID:        transaction.UserID,
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount,
		BalanceBefore: transaction.BalanceBefore,
		BalanceAfter:  transaction.BalanceAfter,
		PaymentID:     optionalString(transaction.PaymentID),
		VideoID:       optionalString(transaction.VideoID),
		Description:   transaction.Description,
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     transactionCreatedAt(transaction.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return credits.Transaction{}, err
	}
	return mapCreditTransaction(row), nil
}

func (store *CreditStore) ListTransactions(ctx context.Context, userID string, limit int, offset int) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapCreditTransaction(row))
	}
	return transactions, nil
}

func (store *CreditStore) CountTransactions(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

func mapCreditAccount(row CreditAccount) credits.Account {
	return credits.Account{
		UserID:      row.UserID,
		Balance:     row.Balance,
		TotalEarned: row.TotalEarned,
		TotalSpent:  row.TotalSpent,
	}
}

func mapCreditTransaction(row CreditTransaction) credits.Transaction {
	return credits.Transaction{
		ID:             row.TransactionID,
		UserID:         row.UserID,
		Type:           credits.TransactionType(row.Type),
		Amount:         row.Amount,
		BalanceBefore:  row.BalanceBefore,
		BalanceAfter:   row.BalanceAfter,
		PaymentID:      stringOrEmpty(row.PaymentID),
		VideoID:        stringOrEmpty(row.VideoID),
		Description:    row.Description,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

// transactionCreatedAt treats a zero unix timestamp as "now"; converting it
// through time.Unix would silently store 1970-01-01.
func transactionCreatedAt(createdUnixUTC int64) time.Time {
	if createdUnixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(createdUnixUTC, 0).UTC()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
