package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"skate-duel-system/models"
)

// DefaultFeedPage bounds one Since read.
const DefaultFeedPage = 100

// Feed stores notifications so any worker can stream them to the recipient.
// Delivery is best effort: a failed insert is logged and dropped.
type Feed struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewFeed(db *gorm.DB, log *zap.Logger) *Feed {
	return &Feed{db: db, log: log.Named("feed")}
}

func (f *Feed) Dispatch(ctx context.Context, batch []Notification) {
	if len(batch) == 0 {
		return
	}
	rows := make([]models.NotificationRecord, 0, len(batch))
	for _, n := range batch {
		if n.RecipientID == "" {
			continue
		}
		rows = append(rows, models.NotificationRecord{RecipientID: n.RecipientID, Type: string(n.Type), Data: n.Data})
	}
	if len(rows) == 0 {
		return
	}
	if err := f.db.WithContext(ctx).Create(&rows).Error; err != nil {
		f.log.Error("failed to store notifications", zap.Int("count", len(rows)), zap.Error(err))
		return
	}
	for _, r := range rows {
		f.log.Debug("notification stored",
			zap.Uint64("id", r.ID),
			zap.String("recipient_id", r.RecipientID),
			zap.String("type", r.Type),
		)
	}
}

// Since returns the recipient's notifications with an id above afterID,
// oldest first.
func (f *Feed) Since(ctx context.Context, recipientID string, afterID uint64, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 || limit > DefaultFeedPage {
		limit = DefaultFeedPage
	}
	var rows []models.NotificationRecord
	err := f.db.WithContext(ctx).
		Where("recipient_id = ? AND id > ?", recipientID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	return rows, nil
}

// Latest returns the newest id stored for the recipient, or 0.
func (f *Feed) Latest(ctx context.Context, recipientID string) (uint64, error) {
	var latest models.NotificationRecord
	err := f.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("id DESC").
		Limit(1).
		Find(&latest).Error
	if err != nil {
		return 0, fmt.Errorf("load notification cursor: %w", err)
	}
	return latest.ID, nil
}
