package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount mirrors the credit_accounts table.
type CreditAccount struct {
	UserID      string    `gorm:"primaryKey"`
	Balance     int64     `gorm:"not null;default:0"`
	TotalEarned int64     `gorm:"not null;default:0"`
	TotalSpent  int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_credit_txn_user_created,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	BalanceBefore int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	PaymentID     *string        `gorm:""`
	VideoID       *string        `gorm:""`
	Description   string         `gorm:""`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_credit_txn_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// PaymentRow mirrors the payments table.
type PaymentRow struct {
	PaymentID     string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"not null;index"`
	ProductID     string    `gorm:"not null"`
	Credits       int64     `gorm:"not null"`
	AmountCents   int64     `gorm:"not null"`
	Currency      string    `gorm:"not null"`
	Status        string    `gorm:"not null;index"`
	DodoPaymentID *string   `gorm:"index:uniq_payments_dodo_payment,unique"`
	FailureReason string    `gorm:""`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (PaymentRow) TableName() string { return "payments" }

func (payment *PaymentRow) BeforeCreate(tx *gorm.DB) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	return nil
}

// SubscriptionRow mirrors the subscriptions table, one row per user.
type SubscriptionRow struct {
	SubscriptionID     string     `gorm:"type:uuid;primaryKey"`
	UserID             string     `gorm:"not null;index:uniq_subscriptions_user,unique"`
	PlanID             string     `gorm:"not null"`
	Status             string     `gorm:"not null"`
	DodoSubscriptionID string     `gorm:"not null;index:uniq_subscriptions_dodo,unique"`
	PeriodEnd          *time.Time `gorm:""`
	CancelAtPeriodEnd  bool       `gorm:"not null;default:false"`
	CreatedAt          time.Time  `gorm:"not null"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

func (SubscriptionRow) TableName() string { return "subscriptions" }

func (subscription *SubscriptionRow) BeforeCreate(tx *gorm.DB) error {
	if subscription.SubscriptionID == "" {
		subscription.SubscriptionID = uuid.NewString()
	}
	return nil
}

// RefundRow mirrors the refunds table.
type RefundRow struct {
	RefundID     string    `gorm:"type:uuid;primaryKey"`
	PaymentID    string    `gorm:"not null;index"`
	UserID       string    `gorm:"not null"`
	DodoRefundID string    `gorm:"not null;index:uniq_refunds_dodo,unique"`
	AmountCents  int64     `gorm:"not null"`
	Credits      int64     `gorm:"not null"`
	Status       string    `gorm:"not null"`
	Reason       string    `gorm:""`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (RefundRow) TableName() string { return "refunds" }

func (refund *RefundRow) BeforeCreate(tx *gorm.DB) error {
	if refund.RefundID == "" {
		refund.RefundID = uuid.NewString()
	}
	return nil
}

// GuestUsageRow mirrors the guest_usages table.
type GuestUsageRow struct {
	UsageID     string    `gorm:"type:uuid;primaryKey"`
	IPAddress   string    `gorm:"not null;index:idx_guest_usage_ip"`
	Fingerprint string    `gorm:"not null;index:idx_guest_usage_fingerprint"`
	UserAgent   string    `gorm:""`
	VideoID     string    `gorm:"not null"`
	UsedAt      time.Time `gorm:"not null"`
}

func (GuestUsageRow) TableName() string { return "guest_usages" }

func (usage *GuestUsageRow) BeforeCreate(tx *gorm.DB) error {
	if usage.UsageID == "" {
		usage.UsageID = uuid.NewString()
	}
	return nil
}

// VideoRow mirrors the videos table.
type VideoRow struct {
	VideoID          string    `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"index"`
	GuestFingerprint string    `gorm:"index"`
	ProviderTaskID   string    `gorm:"not null;index:uniq_videos_task,unique"`
	Prompt           string    `gorm:"not null"`
	SourceURL        string    `gorm:"not null"`
	ResultURL        string    `gorm:""`
	Quality          string    `gorm:"not null"`
	Status           string    `gorm:"not null;index:idx_videos_status_created,priority:1"`
	ErrorMessage     string    `gorm:""`
	CreditsCharged   int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null;index:idx_videos_status_created,priority:2"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (VideoRow) TableName() string { return "videos" }

func (video *VideoRow) BeforeCreate(tx *gorm.DB) error {
	if video.VideoID == "" {
		video.VideoID = uuid.NewString()
	}
	return nil
}

// UserRow mirrors the users table.
type UserRow struct {
	UserID    string    `gorm:"primaryKey"`
	Email     string    `gorm:"not null;index:uniq_users_email,unique"`
	Name      string    `gorm:""`
	ImageURL  string    `gorm:""`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (UserRow) TableName() string { return "users" }

// WebhookEventRow mirrors the webhook_events outbox table.
type WebhookEventRow struct {
	EventID   string         `gorm:"type:uuid;primaryKey"`
	EventType string         `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	Status    string         `gorm:"not null;index:idx_webhook_events_status_created,priority:1"`
	Attempts  int            `gorm:"not null;default:0"`
	LastError string         `gorm:""`
	CreatedAt time.Time      `gorm:"not null;index:idx_webhook_events_status_created,priority:2"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (WebhookEventRow) TableName() string { return "webhook_events" }

func (event *WebhookEventRow) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates every table the application uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CreditAccount{},
		&CreditTransaction{},
		&PaymentRow{},
		&SubscriptionRow{},
		&RefundRow{},
		&GuestUsageRow{},
		&VideoRow{},
		&UserRow{},
		&WebhookEventRow{},
	)
}
