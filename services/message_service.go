package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anjiri1684/amora_chat/metrics"
	"github.com/anjiri1684/amora_chat/models"
	"github.com/anjiri1684/amora_chat/notifications"
	"github.com/anjiri1684/amora_chat/storage"
	"github.com/anjiri1684/amora_chat/store"
	"github.com/anjiri1684/amora_chat/websocket"
	"go.uber.org/zap"
)

const publishTimeout = 3 * time.Second

type CreateMessageInput struct {
	ConversationID string              `json:"conversationId" validate:"required,uuid"`
	Content        string              `json:"content" validate:"max=4000"`
	Attachments    []models.Attachment `json:"attachments" validate:"max=10,dive"`
	ReplyToID      *string             `json:"replyTo" validate:"omitempty,uuid"`
}

type EditMessageInput struct {
	Content string `json:"content" validate:"max=4000"`
}

// ReplyPreview is the one-level view of the message being replied to.
type ReplyPreview struct {
	ID          string              `json:"id"`
	Sender      models.UserSummary  `json:"sender"`
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments"`
}

// MessageView is a message with its sender and reply target resolved for
// display.
type MessageView struct {
	models.Message
	Sender  models.UserSummary `json:"sender"`
	ReplyTo *ReplyPreview      `json:"replyTo,omitempty"`
}

// ReadEvent carries the ids that a read call actually changed.
type ReadEvent struct {
	ConversationID string   `json:"conversationId"`
	ReaderID       string   `json:"readerId"`
	MessageIDs     []string `json:"messageIds"`
}

type ReadResult struct {
	Modified   int      `json:"modified"`
	MessageIDs []string `json:"messageIds"`
}

type DeleteEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Purged         bool   `json:"purged"`
}

type DeleteResult struct {
	Purged  bool `json:"purged"`
	Changed bool `json:"changed"`
}

type MessageService struct {
	store  store.Store
	hub    Broadcaster
	purger storage.Purger
	pub    notifications.Publisher
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewMessageService(s store.Store, hub Broadcaster, purger storage.Purger, pub notifications.Publisher, log *zap.SugaredLogger) *MessageService {
	if purger == nil {
		purger = storage.NopPurger{}
	}
	if pub == nil {
		pub = notifications.NopPublisher{}
	}
	return &MessageService{store: s, hub: hub, purger: purger, pub: pub, log: log, now: time.Now}
}

// conversationFor loads the conversation and checks userID takes part in it.
func (s *MessageService) conversationFor(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := s.store.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	if !conv.HasParticipant(userID) {
		return nil, forbidden("not a participant of this conversation")
	}
	return conv, nil
}

// Create persists the message and only then announces it, to the
// conversation room and to every participant's personal room.
func (s *MessageService) Create(ctx context.Context, senderID string, in CreateMessageInput) (*MessageView, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" && len(in.Attachments) == 0 {
		return nil, invalid("message needs content or at least one attachment")
	}

	conv, err := s.conversationFor(ctx, in.ConversationID, senderID)
	if err != nil {
		return nil, err
	}
	if in.ReplyToID != nil {
		target, err := s.store.FindMessage(ctx, *in.ReplyToID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && target.ConversationID != conv.ID) {
			return nil, invalid("reply target is not a message of this conversation")
		}
		if err != nil {
			return nil, err
		}
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        in.Content,
		Attachments:    in.Attachments,
		ReplyToID:      in.ReplyToID,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	metrics.MessagesCreated.Inc()

	if err := s.store.SetLastMessage(ctx, conv.ID, msg.ID); err != nil {
		// The message is durable; a stale pointer is corrected by the next send.
		s.log.Warnw("set last message", "conversation", conv.ID, "message", msg.ID, "error", err)
	}

	view := s.viewAfterWrite(ctx, msg)

	participants := conv.ParticipantIDs()
	s.hub.EmitToConversation(conv.ID, websocket.EventReceiveMessage, view)
	for _, p := range participants {
		s.hub.EmitToUser(p, websocket.EventReceiveMessage, view)
	}

	recipients := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != senderID {
			recipients = append(recipients, p)
		}
	}
	s.publish(ctx, conv.ID, notifications.Event{
		Type:       notifications.TypeMessageCreated,
		Recipients: recipients,
		Payload:    view,
		OccurredAt: msg.CreatedAt,
	})
	return view, nil
}

func (s *MessageService) publish(ctx context.Context, key string, ev notifications.Event) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.pub.Publish(ctx, key, ev); err != nil {
		s.log.Warnw("publish notification", "type", ev.Type, "key", key, "error", err)
	}
}

// Get returns a message the viewer can still see.
func (s *MessageService) Get(ctx context.Context, id, viewerID string) (*MessageView, error) {
	msg, err := s.store.FindMessage(ctx, id)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if _, err := s.conversationFor(ctx, msg.ConversationID, viewerID); err != nil {
		return nil, err
	}
	if msg.IsDeletedBy(viewerID) {
		return nil, storeErr(store.ErrNotFound, "message")
	}
	return s.view(ctx, msg)
}

func (s *MessageService) List(ctx context.Context, conversationID, viewerID string, page, limit int) ([]MessageView, error) {
	if conversationID == "" {
		return nil, invalid("conversationId is required")
	}
	if _, err := s.conversationFor(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, viewerID, page, limit)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, msgs)
}

// Edit replaces the text of the sender's own message.
func (s *MessageService) Edit(ctx context.Context, id, editorID string, in EditMessageInput) (*MessageView, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	msg, err := s.store.FindMessage(ctx, id)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if msg.SenderID != editorID {
		return nil, forbidden("only the sender can edit a message")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" && len(msg.Attachments) == 0 {
		return nil, invalid("message needs content or at least one attachment")
	}

	updated, err := s.store.UpdateMessageContent(ctx, id, content)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	view := s.viewAfterWrite(ctx, updated)
	s.hub.EmitToConversation(updated.ConversationID, websocket.EventMessageEdited, view)
	return view, nil
}

// MarkConversationRead records readerID on every unread message of the
// conversation. Nothing is broadcast when nothing changed.
func (s *MessageService) MarkConversationRead(ctx context.Context, conversationID, readerID string) (*ReadResult, error) {
	if conversationID == "" {
		return nil, invalid("conversationId is required")
	}
	if _, err := s.conversationFor(ctx, conversationID, readerID); err != nil {
		return nil, err
	}

	ids, err := s.store.MarkMessagesRead(ctx, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &ReadResult{Modified: 0, MessageIDs: []string{}}, nil
	}

	metrics.MessagesRead.Add(float64(len(ids)))
	s.hub.EmitToConversation(conversationID, websocket.EventMessagesRead, ReadEvent{
		ConversationID: conversationID,
		ReaderID:       readerID,
		MessageIDs:     ids,
	})
	return &ReadResult{Modified: len(ids), MessageIDs: ids}, nil
}

func (s *MessageService) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	if _, err := s.conversationFor(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return s.store.CountUnread(ctx, conversationID, userID)
}

// DeleteForUser hides the message for userID. Once every current participant
// has hidden it the message is hard-deleted and its attachments purged.
func (s *MessageService) DeleteForUser(ctx context.Context, messageID, userID string) (*DeleteResult, error) {
	msg, err := s.store.FindMessage(ctx, messageID)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if _, err := s.conversationFor(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}

	updated, added, err := s.store.AppendDeletedBy(ctx, messageID, userID)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if !added {
		return &DeleteResult{}, nil
	}
	s.hub.EmitToUser(userID, websocket.EventMessageDeleted, DeleteEvent{ConversationID: msg.ConversationID, MessageID: messageID})

	// Participants are read after the append so a member added meanwhile
	// keeps the message alive.
	conv, err := s.store.FindConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	if !updated.DeletedByAll(conv.ParticipantIDs()) {
		return &DeleteResult{Changed: true}, nil
	}

	purged, err := s.purge(ctx, updated)
	if err != nil {
		return nil, err
	}
	if purged {
		s.hub.EmitToConversation(msg.ConversationID, websocket.EventMessageDeleted, DeleteEvent{
			ConversationID: msg.ConversationID,
			MessageID:      messageID,
			Purged:         true,
		})
	}
	return &DeleteResult{Changed: true, Purged: purged}, nil
}

// purge hard-deletes msg and then removes its attachments. Only the caller
// whose delete removed the row purges, so concurrent last deleters purge
// each attachment once. Attachment failures are logged.
func (s *MessageService) purge(ctx context.Context, msg *models.Message) (bool, error) {
	deleted, err := s.store.DeleteMessage(ctx, msg.ID)
	if err != nil || !deleted {
		return false, err
	}
	metrics.MessagesPurged.Inc()
	for _, att := range msg.Attachments {
		if err := s.purger.Purge(ctx, att); err != nil {
			s.log.Warnw("purge attachment", "message", msg.ID, "key", att.StorageKey, "error", err)
		}
	}
	return true, nil
}

// SweepFullyDeleted purges messages that every participant has deleted but
// that were left behind, for instance by a failed request.
func (s *MessageService) SweepFullyDeleted(ctx context.Context, batch int) (int, error) {
	msgs, err := s.store.FindFullyDeletedMessages(ctx, batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range msgs {
		purged, err := s.purge(ctx, &msgs[i])
		if err != nil {
			return n, err
		}
		if purged {
			n++
		}
	}
	return n, nil
}

func (s *MessageService) view(ctx context.Context, msg *models.Message) (*MessageView, error) {
	views, err := s.views(ctx, []models.Message{*msg})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// viewAfterWrite is view for a message that is already stored. Display
// lookups are best effort there: on failure the sender is reported by id
// alone and no reply preview is attached.
func (s *MessageService) viewAfterWrite(ctx context.Context, msg *models.Message) *MessageView {
	view, err := s.view(ctx, msg)
	if err != nil {
		s.log.Warnw("resolve message view", "message", msg.ID, "error", err)
		return &MessageView{Message: *msg, Sender: summaryOf(nil, msg.SenderID)}
	}
	return view
}

// views resolves senders and reply targets for a batch of messages with one
// user lookup.
func (s *MessageService) views(ctx context.Context, msgs []models.Message) ([]MessageView, error) {
	replies := make(map[string]*models.Message)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
		if m.ReplyToID == nil {
			continue
		}
		if _, seen := replies[*m.ReplyToID]; seen {
			continue
		}
		target, err := s.store.FindMessage(ctx, *m.ReplyToID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			replies[*m.ReplyToID] = nil
		case err != nil:
			return nil, err
		default:
			replies[*m.ReplyToID] = target
			ids = append(ids, target.SenderID)
		}
	}

	users, err := s.store.FindUsers(ctx, uniqueIDs(ids))
	if err != nil {
		return nil, err
	}

	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := MessageView{Message: m, Sender: summaryOf(users, m.SenderID)}
		if m.ReplyToID != nil {
			if target := replies[*m.ReplyToID]; target != nil {
				v.ReplyTo = &ReplyPreview{
					ID:          target.ID,
					Sender:      summaryOf(users, target.SenderID),
					Content:     target.Content,
					Attachments: target.Attachments,
				}
			}
		}
		out = append(out, v)
	}
	return out, nil
}
