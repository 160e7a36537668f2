package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/ragchat/internal/common"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// GetSessionBySessionID returns common.ErrNotFound when no row matches.
func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, common.ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (r *Repo) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC, id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) SetStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("status", status).Error
}

func (r *Repo) RenameSession(ctx context.Context, sessionID, title string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("title", title).Error
}

// DeleteSession removes the session and all its messages atomically.
func (r *Repo) DeleteSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("session_id = ?", sessionID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("session %s: %w", sessionID, common.ErrNotFound)
		}
		return nil
	})
}

// sessionExists returns common.ErrNotFound for a deleted or unknown session so
// messages are never written without their session.
func sessionExists(tx *gorm.DB, sessionID string) error {
	var n int64
	if err := tx.Model(&Session{}).Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, common.ErrNotFound)
	}
	return nil
}

// InsertMessage also bumps the session's updated_at so listings reflect
// activity.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := sessionExists(tx, m.SessionID); err != nil {
			return err
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).
			Where("session_id = ?", m.SessionID).
			Update("updated_at", m.CreatedAt).Error
	})
}

// CompleteTurn stores the model reply and clears the awaiting flag in one
// transaction.
func (r *Repo) CompleteTurn(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := sessionExists(tx, m.SessionID); err != nil {
			return err
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).
			Where("session_id = ?", m.SessionID).
			Updates(map[string]any{"status": StatusIdle, "updated_at": m.CreatedAt}).Error
	})
}

// ListMessagesAsc returns the whole conversation in insertion order.
func (r *Repo) ListMessagesAsc(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListMessagesBefore returns up to limit messages older than beforeID in DESC
// id order (newest -> oldest). beforeID 0 means no upper bound.
func (r *Repo) ListMessagesBefore(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
