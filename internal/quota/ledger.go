package quota

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/aleks-frontend/ai-hero/internal/models"
)

// RequestEvent is one row per admitted request. Counts are aggregated over
// the events table; there is no separate counter to drift out of sync.
type RequestEvent struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	UserID      uint64    `gorm:"index:idx_user_requests_user_time,priority:1;not null"`
	Endpoint    string    `gorm:"type:varchar(64);not null"`
	RequestedAt time.Time `gorm:"index:idx_user_requests_user_time,priority:2;not null"`
}

func (RequestEvent) TableName() string { return "user_requests" }

// Admission is the result of a daily-limit check.
type Admission struct {
	Allowed      bool `json:"allowed"`
	CurrentCount int  `json:"currentCount"`
	Limit        int  `json:"limit"`
	IsAdmin      bool `json:"isAdmin"`
}

// Ledger answers admission-control questions against a rolling daily window.
// The day boundary is local midnight of the server clock; there is no decay,
// just a hard reset at midnight.
type Ledger struct {
	db    *gorm.DB
	limit int
}

func NewLedger(db *gorm.DB, dailyLimit int) *Ledger {
	if dailyLimit <= 0 {
		dailyLimit = 2
	}
	return &Ledger{db: db, limit: dailyLimit}
}

func (l *Ledger) Limit() int { return l.limit }

// RecordRequest appends one usage event. Callers treat a failure here as
// best-effort: log and continue, never fail the turn on it.
func (l *Ledger) RecordRequest(ctx context.Context, userID uint64, endpoint string) error {
	ev := RequestEvent{
		UserID:      userID,
		Endpoint:    endpoint,
		RequestedAt: time.Now(),
	}
	return l.db.WithContext(ctx).Create(&ev).Error
}

// CheckAdmission counts today's events for the user. Admins are always
// allowed regardless of count. A count or user lookup error propagates:
// without knowing quota status the request must fail closed.
func (l *Ledger) CheckAdmission(ctx context.Context, userID uint64) (Admission, error) {
	var user models.User
	if err := l.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return Admission{}, err
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var count int64
	if err := l.db.WithContext(ctx).Model(&RequestEvent{}).
		Where("user_id = ? AND requested_at >= ?", userID, midnight).
		Count(&count).Error; err != nil {
		return Admission{}, err
	}

	adm := Admission{
		CurrentCount: int(count),
		Limit:        l.limit,
		IsAdmin:      user.IsAdmin,
	}
	adm.Allowed = user.IsAdmin || adm.CurrentCount < l.limit
	return adm, nil
}
