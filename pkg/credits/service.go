package credits

import (
	"context"
	"fmt"
)

// Service contains the credit ledger domain logic over a Store.
//
// Every mutation runs inside one store transaction: the account row is read,
// the new balance is computed, the account is updated, and a transaction row
// with before/after snapshots is appended. Concurrent mutations of the same
// account serialize through the account row's write lock.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AddCredits grants credits to a user, creating the account on first use.
func (service *Service) AddCredits(ctx context.Context, params AddParams) (Result, error) {
	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, params.UserID.String())
		if err != nil {
			return err
		}
		balanceBefore := account.Balance
		account.Balance = balanceBefore + params.Amount.Int64()
		account.TotalEarned += params.Amount.Int64()
		if err := verifyAccountInvariant(account); err != nil {
			return err
		}
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		stored, err := transactionStore.InsertTransaction(ctx, Transaction{
			UserID:         params.UserID.String(),
			Type:           params.Type,
			Amount:         params.Amount.Int64(),
			BalanceBefore:  balanceBefore,
			BalanceAfter:   account.Balance,
			PaymentID:      params.PaymentID,
			Description:    params.Description,
			MetadataJSON:   params.Metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		result = Result{Balance: account.Balance, Transaction: stored}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdd,
		UserID:    params.UserID,
		Type:      params.Type,
		Amount:    params.Amount.Int64(),
		PaymentID: params.PaymentID,
		Error:     operationError,
	})
	return result, operationError
}

// DeductCredits spends credits, rejecting the whole operation when the
// balance is insufficient. No partial debit is ever written.
func (service *Service) DeductCredits(ctx context.Context, params DeductParams) (Result, error) {
	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, found, err := transactionStore.GetAccount(ctx, params.UserID.String())
		if err != nil {
			return err
		}
		if !found {
			return ErrAccountNotFound
		}
		balanceBefore := account.Balance
		if balanceBefore < params.Amount.Int64() {
			return ErrInsufficientCredits
		}
		account.Balance = balanceBefore - params.Amount.Int64()
		account.TotalSpent += params.Amount.Int64()
		if err := verifyAccountInvariant(account); err != nil {
			return err
		}
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		stored, err := transactionStore.InsertTransaction(ctx, Transaction{
			UserID:         params.UserID.String(),
			Type:           params.Type,
			Amount:         -params.Amount.Int64(),
			BalanceBefore:  balanceBefore,
			BalanceAfter:   account.Balance,
			VideoID:        params.VideoID,
			Description:    params.Description,
			MetadataJSON:   params.Metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		result = Result{Balance: account.Balance, Transaction: stored}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		UserID:    params.UserID,
		Type:      params.Type,
		Amount:    params.Amount.Int64(),
		VideoID:   params.VideoID,
		Error:     operationError,
	})
	return result, operationError
}

// Balance returns the current balance, zero for users without an account.
func (service *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	account, found, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return account.Balance, nil
}

// HasEnough reports whether the user's balance covers amount.
func (service *Service) HasEnough(ctx context.Context, userID UserID, amount Amount) (bool, error) {
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount.Int64(), nil
}

// Stats returns the account totals with the most recent transactions.
func (service *Service) Stats(ctx context.Context, userID UserID) (Stats, error) {
	account, found, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return Stats{}, err
	}
	if !found {
		return Stats{RecentTransactions: []Transaction{}}, nil
	}
	recent, err := service.store.ListTransactions(ctx, userID.String(), recentHistoryLimit, 0)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Balance:            account.Balance,
		TotalEarned:        account.TotalEarned,
		TotalSpent:         account.TotalSpent,
		RecentTransactions: recent,
	}, nil
}

// Transactions returns a newest-first page of the user's ledger history.
func (service *Service) Transactions(ctx context.Context, userID UserID, limit int, offset int) (TransactionPage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	transactions, err := service.store.ListTransactions(ctx, userID.String(), limit, offset)
	if err != nil {
		return TransactionPage{}, err
	}
	total, err := service.store.CountTransactions(ctx, userID.String())
	if err != nil {
		return TransactionPage{}, err
	}
	return TransactionPage{
		Transactions: transactions,
		Total:        total,
		HasMore:      int64(offset+limit) < total,
	}, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func verifyAccountInvariant(account Account) error {
	if account.Balance < 0 {
		return WrapError("service", "account", "negative_balance", ErrInvalidBalance)
	}
	if account.Balance != account.TotalEarned-account.TotalSpent {
		return WrapError("service", "account", "balance_mismatch", ErrInvalidBalance)
	}
	return nil
}
