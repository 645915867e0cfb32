package services

import (
	"context"
	"fmt"
	"time"

	"github.com/anjiri1684/amora_chat/models"
	"github.com/anjiri1684/amora_chat/notifications"
	"github.com/anjiri1684/amora_chat/store"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/anjiri1684/amora_chat/websocket"
	"go.uber.org/zap"
)

type CreateCallInput struct {
	ReceiverID string `json:"receiverId" validate:"required,uuid"`
	CallType   string `json:"callType" validate:"required,oneof=audio video"`
}

type UpdateCallStatusInput struct {
	Status   string `json:"status" validate:"required,oneof=answered rejected missed ended"`
	Duration *int   `json:"duration" validate:"omitempty,min=0"`
}

type CallFilterInput struct {
	Role     string `query:"role" validate:"omitempty,oneof=caller receiver"`
	Status   string `query:"status" validate:"omitempty,oneof=ringing missed answered rejected ended"`
	CallType string `query:"callType" validate:"omitempty,oneof=audio video"`
}

// CallView is a call with both parties resolved for display.
type CallView struct {
	models.Call
	Caller   models.UserSummary `json:"caller"`
	Receiver models.UserSummary `json:"receiver"`
}

// allowed status changes; missed, rejected and ended are final
var callTransitions = map[string][]string{
	models.CallRinging:  {models.CallAnswered, models.CallRejected, models.CallMissed, models.CallEnded},
	models.CallAnswered: {models.CallEnded},
}

type CallService struct {
	store store.Store
	hub   Broadcaster
	pub   notifications.Publisher
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewCallService(s store.Store, hub Broadcaster, pub notifications.Publisher, log *zap.SugaredLogger) *CallService {
	if pub == nil {
		pub = notifications.NopPublisher{}
	}
	return &CallService{store: s, hub: hub, pub: pub, log: log, now: time.Now}
}

// Create logs a ringing call and rings the receiver's devices.
func (s *CallService) Create(ctx context.Context, callerID string, in CreateCallInput) (*CallView, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if in.ReceiverID == callerID {
		return nil, invalid("cannot call yourself")
	}

	call := &models.Call{
		CallerID:   callerID,
		ReceiverID: in.ReceiverID,
		CallType:   in.CallType,
		Status:     models.CallRinging,
	}
	if err := s.store.CreateCall(ctx, call); err != nil {
		return nil, err
	}
	view, err := s.view(ctx, call)
	if err != nil {
		return nil, err
	}

	s.hub.EmitToUser(call.ReceiverID, websocket.EventIncomingCall, view)

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.pub.Publish(pctx, call.ID, notifications.Event{
		Type:       notifications.TypeCallCreated,
		Recipients: []string{call.ReceiverID},
		Payload:    view,
		OccurredAt: call.CreatedAt,
	}); err != nil {
		s.log.Warnw("publish notification", "type", notifications.TypeCallCreated, "call", call.ID, "error", err)
	}
	return view, nil
}

func (s *CallService) Get(ctx context.Context, id, userID string) (*CallView, error) {
	call, err := s.store.FindCall(ctx, id)
	if err != nil {
		return nil, storeErr(err, "call")
	}
	if !call.Involves(userID) {
		return nil, forbidden("not a party to this call")
	}
	return s.view(ctx, call)
}

// List returns one page of the user's call history, newest first.
func (s *CallService) List(ctx context.Context, userID string, in CallFilterInput, page, limit int) ([]CallView, int64, error) {
	if err := validateStruct(in); err != nil {
		return nil, 0, err
	}
	f := store.CallFilter{Status: in.Status, CallType: in.CallType, Page: page, Limit: limit}
	switch in.Role {
	case "caller":
		f.CallerID = userID
	case "receiver":
		f.ReceiverID = userID
	default:
		f.UserID = userID
	}

	calls, total, err := s.store.ListCalls(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	views, err := s.views(ctx, calls)
	if err != nil {
		return nil, 0, err
	}
	return views, total, nil
}

// UpdateStatus moves the call along its lifecycle. Only the receiver answers
// or rejects; either party can end it or mark it missed.
func (s *CallService) UpdateStatus(ctx context.Context, id, userID string, in UpdateCallStatusInput) (*CallView, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	call, err := s.store.FindCall(ctx, id)
	if err != nil {
		return nil, storeErr(err, "call")
	}
	if !call.Involves(userID) {
		return nil, forbidden("not a party to this call")
	}
	if (in.Status == models.CallAnswered || in.Status == models.CallRejected) && userID != call.ReceiverID {
		return nil, forbidden("only the receiver can answer or reject a call")
	}
	if !containsID(callTransitions[call.Status], in.Status) {
		return nil, fmt.Errorf("%w: call is %s and cannot become %s", utils.ErrConflict, call.Status, in.Status)
	}

	now := s.now()
	u := store.CallUpdate{FromStatus: call.Status, Status: &in.Status}
	switch in.Status {
	case models.CallAnswered:
		u.StartedAt = &now
	case models.CallEnded, models.CallMissed, models.CallRejected:
		u.EndedAt = &now
		duration := 0
		if in.Duration != nil {
			duration = *in.Duration
		} else if call.StartedAt != nil {
			duration = int(now.Sub(*call.StartedAt).Round(time.Second) / time.Second)
		}
		u.Duration = &duration
	}

	updated, err := s.store.UpdateCall(ctx, id, u)
	if err != nil {
		return nil, storeErr(err, "call")
	}
	view, err := s.view(ctx, updated)
	if err != nil {
		return nil, err
	}
	s.hub.EmitToUser(updated.CallerID, websocket.EventCallUpdated, view)
	s.hub.EmitToUser(updated.ReceiverID, websocket.EventCallUpdated, view)
	return view, nil
}

// Delete removes a call from the history. Either party may delete it.
func (s *CallService) Delete(ctx context.Context, id, userID string) error {
	call, err := s.store.FindCall(ctx, id)
	if err != nil {
		return storeErr(err, "call")
	}
	if !call.Involves(userID) {
		return forbidden("not a party to this call")
	}
	return storeErr(s.store.DeleteCall(ctx, id), "call")
}

func (s *CallService) view(ctx context.Context, call *models.Call) (*CallView, error) {
	views, err := s.views(ctx, []models.Call{*call})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

func (s *CallService) views(ctx context.Context, calls []models.Call) ([]CallView, error) {
	ids := make([]string, 0, 2*len(calls))
	for _, c := range calls {
		ids = append(ids, c.CallerID, c.ReceiverID)
	}
	users, err := s.store.FindUsers(ctx, uniqueIDs(ids))
	if err != nil {
		return nil, err
	}
	out := make([]CallView, 0, len(calls))
	for _, c := range calls {
		out = append(out, CallView{
			Call:     c,
			Caller:   summaryOf(users, c.CallerID),
			Receiver: summaryOf(users, c.ReceiverID),
		})
	}
	return out, nil
}
