package services

import (
	"context"
	"errors"
	"time"

	"github.com/anjiri1684/amora_chat/models"
	"github.com/anjiri1684/amora_chat/storage"
	"github.com/anjiri1684/amora_chat/store"
	"github.com/anjiri1684/amora_chat/websocket"
	"go.uber.org/zap"
)

const purgePageSize = 200

type CreateConversationInput struct {
	ParticipantIDs []string `json:"participants" validate:"required,min=1,max=100,dive,uuid"`
	Name           *string  `json:"name" validate:"omitempty,max=255"`
}

type ParticipantsInput struct {
	UserIDs []string `json:"participants" validate:"required,min=1,max=100,dive,uuid"`
}

type ConversationView struct {
	ID           string               `json:"id"`
	Name         *string              `json:"name,omitempty"`
	Participants []models.UserSummary `json:"participants"`
	LastMessage  *MessageView         `json:"lastMessage,omitempty"`
	UnreadCount  int64                `json:"unreadCount"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

type ConversationDeleted struct {
	ConversationID string `json:"conversationId"`
}

type ConversationService struct {
	store    store.Store
	hub      Broadcaster
	messages *MessageService
	purger   storage.Purger
	log      *zap.SugaredLogger
}

func NewConversationService(s store.Store, hub Broadcaster, messages *MessageService, purger storage.Purger, log *zap.SugaredLogger) *ConversationService {
	if purger == nil {
		purger = storage.NopPurger{}
	}
	return &ConversationService{store: s, hub: hub, messages: messages, purger: purger, log: log}
}

// Create starts a conversation between the creator and the given users. A
// two-party conversation is returned as-is when it already exists, whatever
// the order the pair is given in. created reports whether a row was added.
func (s *ConversationService) Create(ctx context.Context, creatorID string, in CreateConversationInput) (view *ConversationView, created bool, err error) {
	if err := validateStruct(in); err != nil {
		return nil, false, err
	}
	participants := uniqueIDs([]string{creatorID}, in.ParticipantIDs)
	if len(participants) < 2 {
		return nil, false, invalid("a conversation needs at least two distinct participants")
	}

	if len(participants) == 2 {
		existing, err := s.store.FindConversationByPair(ctx, participants[0], participants[1])
		switch {
		case err == nil:
			view, err := s.view(ctx, existing, creatorID)
			return view, false, err
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, err
		}
	}

	conv, err := s.store.CreateConversation(ctx, participants, in.Name)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a creation race for the same pair.
		conv, err = s.store.FindConversationByPair(ctx, participants[0], participants[1])
		if err != nil {
			return nil, false, storeErr(err, "conversation")
		}
		view, err := s.view(ctx, conv, creatorID)
		return view, false, err
	}
	if err != nil {
		return nil, false, err
	}

	view, err = s.view(ctx, conv, creatorID)
	if err != nil {
		return nil, false, err
	}
	s.announce(conv.ParticipantIDs(), view)
	return view, true, nil
}

// List returns the user's conversations, most recently active first, with
// the last visible message and the unread count.
func (s *ConversationService) List(ctx context.Context, userID string) ([]ConversationView, error) {
	convs, err := s.store.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for i := range convs {
		ids = append(ids, convs[i].ParticipantIDs()...)
	}
	users, err := s.store.FindUsers(ctx, uniqueIDs(ids))
	if err != nil {
		return nil, err
	}

	out := make([]ConversationView, 0, len(convs))
	for i := range convs {
		v, err := s.build(ctx, &convs[i], userID, users)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func (s *ConversationService) AddParticipants(ctx context.Context, conversationID, actorID string, in ParticipantsInput) (*ConversationView, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	before, err := s.participantConversation(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.UpdateConversationParticipants(ctx, conversationID, uniqueIDs(in.UserIDs), nil)
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	view, err := s.view(ctx, conv, actorID)
	if err != nil {
		return nil, err
	}
	s.announce(uniqueIDs(before.ParticipantIDs(), conv.ParticipantIDs()), view)
	return view, nil
}

// RemoveParticipants never leaves fewer than two participants behind.
func (s *ConversationService) RemoveParticipants(ctx context.Context, conversationID, actorID string, in ParticipantsInput) (*ConversationView, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	before, err := s.participantConversation(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}

	remove := uniqueIDs(in.UserIDs)
	remaining := 0
	for _, p := range before.ParticipantIDs() {
		if !containsID(remove, p) {
			remaining++
		}
	}
	if remaining < 2 {
		return nil, invalid("a conversation needs at least two participants; delete it instead")
	}

	conv, err := s.store.UpdateConversationParticipants(ctx, conversationID, nil, remove)
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	view, err := s.view(ctx, conv, actorID)
	if err != nil {
		return nil, err
	}
	s.announce(before.ParticipantIDs(), view)
	return view, nil
}

// Delete removes the conversation with all of its messages. Attachments are
// purged afterwards on a best-effort basis.
func (s *ConversationService) Delete(ctx context.Context, conversationID, actorID string) error {
	conv, err := s.participantConversation(ctx, conversationID, actorID)
	if err != nil {
		return err
	}

	var attachments []models.Attachment
	for page := 1; ; page++ {
		msgs, err := s.store.ListMessages(ctx, conversationID, "", page, purgePageSize)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			attachments = append(attachments, m.Attachments...)
		}
		if len(msgs) < purgePageSize {
			break
		}
	}

	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return storeErr(err, "conversation")
	}
	for _, att := range attachments {
		if err := s.purger.Purge(ctx, att); err != nil {
			s.log.Warnw("purge attachment", "conversation", conversationID, "key", att.StorageKey, "error", err)
		}
	}

	for _, p := range conv.ParticipantIDs() {
		s.hub.EmitToUser(p, websocket.EventConversationDeleted, ConversationDeleted{ConversationID: conversationID})
	}
	return nil
}

func (s *ConversationService) participantConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := s.store.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	if !conv.HasParticipant(userID) {
		return nil, forbidden("not a participant of this conversation")
	}
	return conv, nil
}

func (s *ConversationService) announce(userIDs []string, view *ConversationView) {
	for _, id := range userIDs {
		s.hub.EmitToUser(id, websocket.EventConversationUpdated, view)
	}
}

func (s *ConversationService) view(ctx context.Context, conv *models.Conversation, viewerID string) (*ConversationView, error) {
	users, err := s.store.FindUsers(ctx, conv.ParticipantIDs())
	if err != nil {
		return nil, err
	}
	return s.build(ctx, conv, viewerID, users)
}

func (s *ConversationService) build(ctx context.Context, conv *models.Conversation, viewerID string, users map[string]models.User) (*ConversationView, error) {
	v := &ConversationView{
		ID:           conv.ID,
		Name:         conv.Name,
		Participants: summaries(users, conv.ParticipantIDs()),
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}

	if conv.LastMessageID != nil {
		msg, err := s.store.FindMessage(ctx, *conv.LastMessageID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, err
		case !msg.IsDeletedBy(viewerID):
			last, err := s.messages.view(ctx, msg)
			if err != nil {
				return nil, err
			}
			v.LastMessage = last
		}
	}

	if conv.HasParticipant(viewerID) {
		n, err := s.store.CountUnread(ctx, conv.ID, viewerID)
		if err != nil {
			return nil, err
		}
		v.UnreadCount = n
	}
	return v, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
