package gormstore

import (
	"testing"
	"time"
)

func TestTransactionCreatedAtZeroDefaultsToNow(test *testing.T) {
	test.Parallel()
	before := time.Now().UTC().Add(-time.Minute)
	got := transactionCreatedAt(0)
	if got.Before(before) {
		test.Fatalf("expected current time for zero timestamp, got %v", got)
	}
	if got.Unix() == 0 {
		test.Fatal("zero timestamp must not map to the unix epoch")
	}
}

func TestTransactionCreatedAtPreservesExplicitTimestamp(test *testing.T) {
	test.Parallel()
	if got := transactionCreatedAt(1700000000).Unix(); got != 1700000000 {
		test.Fatalf("expected 1700000000, got %d", got)
	}
}
