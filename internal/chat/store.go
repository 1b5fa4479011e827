package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrChatOwnership is returned when a chat id already belongs to a
// different user. Nothing is mutated in that case.
var ErrChatOwnership = errors.New("chat: chat owned by another user")

// Store is the sole writer of chats and messages. A chat's messages are
// replaced wholesale on every upsert (delete-all, insert-all) so the rows
// at rest are always a complete snapshot of one turn, never a partial one.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

type UpsertChatParams struct {
	UserID   uint64
	ChatID   string
	Title    string
	Messages []Message
}

// UpsertChat creates or replaces the full transcript of a chat in one
// transaction. Idempotent in effect: the same input always yields the same
// stored state, with ordinals assigned from input order.
func (s *Store) UpsertChat(ctx context.Context, p UpsertChatParams) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Chat
		err := tx.Where("chat_id = ?", p.ChatID).First(&existing).Error
		switch {
		case err == nil:
			if existing.UserID != p.UserID {
				return ErrChatOwnership
			}
			if err := tx.Model(&Chat{}).
				Where("chat_id = ?", p.ChatID).
				Updates(map[string]any{
					"title":      p.Title,
					"updated_at": time.Now(),
				}).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&Chat{
				ChatID: p.ChatID,
				UserID: p.UserID,
				Title:  p.Title,
			}).Error; err != nil {
				return err
			}
		default:
			return err
		}

		if err := tx.Where("chat_id = ?", p.ChatID).Delete(&Message{}).Error; err != nil {
			return err
		}
		for i := range p.Messages {
			m := p.Messages[i]
			m.ID = 0
			m.ChatID = p.ChatID
			m.Ordinal = i
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetChat returns the chat with its messages in ordinal order, only if it
// is owned by userID. Missing and foreign chats both read as not found.
func (s *Store) GetChat(ctx context.Context, chatID string, userID uint64) (*Chat, error) {
	var c Chat
	if err := s.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&c).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("ordinal ASC").
		Find(&c.Messages).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns the user's chat summaries, most recently updated first.
func (s *Store) ListChats(ctx context.Context, userID uint64) ([]Chat, error) {
	var chats []Chat
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}
