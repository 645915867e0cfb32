package store

import (
	"context"
	"errors"
	"time"

	"github.com/anjiri1684/amora_chat/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on PostgreSQL (or SQLite for development and
// tests). readBy and deletedBy live in the message_reads and
// message_deletions set tables so that set-add is a single conflict-free
// insert.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// ---- conversations ----

func (s *GormStore) FindConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.db.WithContext(ctx).Preload("Participants").First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) FindConversationByPair(ctx context.Context, a, b string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.WithContext(ctx).
		Preload("Participants").
		Where("pair_key = ?", models.PairKey(a, b)).
		First(&c).Error
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) CreateConversation(ctx context.Context, participants []string, name *string) (*models.Conversation, error) {
	now := s.now()
	conv := models.Conversation{Name: name, CreatedAt: now, UpdatedAt: now}
	if len(participants) == 2 {
		key := models.PairKey(participants[0], participants[1])
		conv.PairKey = &key
	}
	for i, p := range participants {
		conv.Participants = append(conv.Participants, models.ConversationParticipant{
			UserID:   p,
			JoinedAt: now.Add(time.Duration(i) * time.Microsecond),
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&conv).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

func (s *GormStore) UpdateConversationParticipants(ctx context.Context, id string, add, remove []string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conv, "id = ?", id).Error; err != nil {
			return err
		}
		now := s.now()
		if len(add) > 0 {
			rows := make([]models.ConversationParticipant, 0, len(add))
			for i, userID := range add {
				rows = append(rows, models.ConversationParticipant{
					ConversationID: id,
					UserID:         userID,
					JoinedAt:       now.Add(time.Duration(i) * time.Microsecond),
				})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return err
			}
		}
		if len(remove) > 0 {
			if err := tx.Where("conversation_id = ? AND user_id IN ?", id, remove).
				Delete(&models.ConversationParticipant{}).Error; err != nil {
				return err
			}
		}

		var count int64
		if err := tx.Model(&models.ConversationParticipant{}).Where("conversation_id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		updates := map[string]any{"updated_at": now}
		if count != 2 {
			// The pair key only identifies conversations created as 1:1.
			updates["pair_key"] = nil
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Preload("Participants").First(&conv, "id = ?", id).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

func (s *GormStore) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{"last_message_id": messageID, "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Conversation{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		msgIDs := tx.Model(&models.Message{}).Select("id").Where("conversation_id = ?", id)
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&models.MessageRead{}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&models.MessageDeletion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("conversation_id = ?", id).Delete(&models.ConversationParticipant{}).Error
	}))
}

func (s *GormStore) ListUserConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Preload("Participants").
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id AND cp.user_id = ?", userID).
		Order("conversations.updated_at desc").
		Find(&convs).Error
	return convs, err
}

// ---- messages ----

func (s *GormStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.UpdatedAt = m.CreatedAt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Create(&models.MessageRead{MessageID: m.ID, UserID: m.SenderID, ReadAt: m.CreatedAt}).Error
	})
	if err != nil {
		return translate(err)
	}
	m.ReadBy = []string{m.SenderID}
	m.DeletedBy = []string{}
	return nil
}

func (s *GormStore) FindMessage(ctx context.Context, id string) (*models.Message, error) {
	return s.findMessage(s.db.WithContext(ctx), id)
}

func (s *GormStore) findMessage(db *gorm.DB, id string) (*models.Message, error) {
	var m models.Message
	if err := db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	msgs := []models.Message{m}
	if err := loadSets(db, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID, viewerID string, page, limit int) ([]models.Message, error) {
	var msgs []models.Message
	db := s.db.WithContext(ctx)
	q := db.Where("conversation_id = ?", conversationID)
	if viewerID != "" {
		q = q.Where("NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = messages.id AND d.user_id = ?)", viewerID)
	}
	err := q.
		Order("created_at asc").
		Order("id asc").
		Offset(offset(page, limit)).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	if err := loadSets(db, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

const markReadSQL = `
INSERT INTO message_reads (message_id, user_id, read_at)
SELECT m.id, ?, ? FROM messages m
WHERE m.conversation_id = ?
  AND m.sender_id <> ?
  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
  AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = ?)
ON CONFLICT DO NOTHING
RETURNING message_id`

func (s *GormStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).
		Raw(markReadSQL, readerID, s.now(), conversationID, readerID, readerID, readerID).
		Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) AppendDeletedBy(ctx context.Context, messageID, userID string) (*models.Message, bool, error) {
	var (
		msg   *models.Message
		added bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Deleters of the same message take turns on the message row, so the
		// last of them reads every other deleter's committed row below.
		if err := lockRow(tx).Select("id").First(&models.Message{}, "id = ?", messageID).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.MessageDeletion{MessageID: messageID, UserID: userID, DeletedAt: s.now()})
		if res.Error != nil {
			return res.Error
		}
		added = res.RowsAffected == 1

		var err error
		msg, err = s.findMessage(tx, messageID)
		return err
	})
	if err != nil {
		return nil, false, translate(err)
	}
	return msg, added, nil
}

// lockRow adds FOR UPDATE where the dialect has row locks. SQLite runs on a
// single connection and is serialized already.
func lockRow(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (s *GormStore) CountUnread(ctx context.Context, conversationID, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ?", conversationID, userID).
		Where("NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = messages.id AND r.user_id = ?)", userID).
		Where("NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = messages.id AND d.user_id = ?)", userID).
		Count(&n).Error
	return n, err
}

func (s *GormStore) UpdateMessageContent(ctx context.Context, id, content string) (*models.Message, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"content": content, "edited": true, "updated_at": s.now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.FindMessage(ctx, id)
}

func (s *GormStore) DeleteMessage(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Message{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true
		if err := tx.Where("message_id = ?", id).Delete(&models.MessageRead{}).Error; err != nil {
			return err
		}
		return tx.Where("message_id = ?", id).Delete(&models.MessageDeletion{}).Error
	})
	return deleted, err
}

const fullyDeletedSQL = `
EXISTS (SELECT 1 FROM conversation_participants p0 WHERE p0.conversation_id = messages.conversation_id)
AND NOT EXISTS (
  SELECT 1 FROM conversation_participants p
  WHERE p.conversation_id = messages.conversation_id
    AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = messages.id AND d.user_id = p.user_id)
)`

func (s *GormStore) FindFullyDeletedMessages(ctx context.Context, limit int) ([]models.Message, error) {
	var msgs []models.Message
	db := s.db.WithContext(ctx)
	if err := db.Where(fullyDeletedSQL).Order("created_at asc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	if err := loadSets(db, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// loadSets fills ReadBy and DeletedBy for msgs in place.
func loadSets(db *gorm.DB, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
		msgs[i].ReadBy = []string{}
		msgs[i].DeletedBy = []string{}
	}
	index := make(map[string]int, len(msgs))
	for i, id := range ids {
		index[id] = i
	}

	var reads []models.MessageRead
	if err := db.Where("message_id IN ?", ids).Order("read_at asc").Find(&reads).Error; err != nil {
		return err
	}
	for _, r := range reads {
		m := &msgs[index[r.MessageID]]
		m.ReadBy = append(m.ReadBy, r.UserID)
	}

	var dels []models.MessageDeletion
	if err := db.Where("message_id IN ?", ids).Order("deleted_at asc").Find(&dels).Error; err != nil {
		return err
	}
	for _, d := range dels {
		m := &msgs[index[d.MessageID]]
		m.DeletedBy = append(m.DeletedBy, d.UserID)
	}
	return nil
}

// ---- users ----

func (s *GormStore) FindUsers(ctx context.Context, ids []string) (map[string]models.User, error) {
	out := make(map[string]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (s *GormStore) TouchLastActive(ctx context.Context, userID string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn("last_active", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetLastActive(ctx context.Context, userID string) (*time.Time, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Select("id", "last_active").First(&u, "id = ?", userID).Error; err != nil {
		return nil, translate(err)
	}
	return u.LastActive, nil
}

// ---- calls ----

func (s *GormStore) CreateCall(ctx context.Context, c *models.Call) error {
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	return translate(s.db.WithContext(ctx).Create(c).Error)
}

func (s *GormStore) FindCall(ctx context.Context, id string) (*models.Call, error) {
	var c models.Call
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) ListCalls(ctx context.Context, f CallFilter) ([]models.Call, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Call{})
	if f.UserID != "" {
		q = q.Where("caller_id = ? OR receiver_id = ?", f.UserID, f.UserID)
	}
	if f.CallerID != "" {
		q = q.Where("caller_id = ?", f.CallerID)
	}
	if f.ReceiverID != "" {
		q = q.Where("receiver_id = ?", f.ReceiverID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.CallType != "" {
		q = q.Where("call_type = ?", f.CallType)
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var calls []models.Call
	err := q.Order("created_at desc").Offset(offset(f.Page, f.Limit)).Limit(f.Limit).Find(&calls).Error
	return calls, total, err
}

func (s *GormStore) UpdateCall(ctx context.Context, id string, u CallUpdate) (*models.Call, error) {
	updates := map[string]any{"updated_at": s.now()}
	if u.Status != nil {
		updates["status"] = *u.Status
	}
	if u.StartedAt != nil {
		updates["started_at"] = *u.StartedAt
	}
	if u.EndedAt != nil {
		updates["ended_at"] = *u.EndedAt
	}
	if u.Duration != nil {
		updates["duration"] = *u.Duration
	}
	q := s.db.WithContext(ctx).Model(&models.Call{}).Where("id = ?", id)
	if u.FromStatus != "" {
		q = q.Where("status = ?", u.FromStatus)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.FindCall(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStale
	}
	return s.FindCall(ctx, id)
}

func (s *GormStore) DeleteCall(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Call{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
