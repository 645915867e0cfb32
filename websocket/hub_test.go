package websocket

import (
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func attach(t *testing.T, h *Hub, userID string) *Client {
	t.Helper()
	c := NewClient(userID, 8)
	h.Attach(c)
	if err := h.JoinUserRoom(c.ID, userID); err != nil {
		t.Fatalf("join user room: %v", err)
	}
	return c
}

func next(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case frame := <-c.Send():
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	default:
		t.Fatalf("client %s has no queued frame", c.ID)
	}
	return Envelope{}
}

func empty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.Send():
		t.Fatalf("client %s got unexpected frame %s", c.ID, frame)
	default:
	}
}

func TestEmitToConversationReachesRoomOnly(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	a, b, outsider := attach(t, h, "a"), attach(t, h, "b"), attach(t, h, "c")
	h.JoinConversationRoom(a.ID, "conv1")
	h.JoinConversationRoom(b.ID, "conv1")

	h.EmitToConversation("conv1", EventReceiveMessage, map[string]string{"content": "hi"})

	for _, c := range []*Client{a, b} {
		env := next(t, c)
		if env.Event != EventReceiveMessage {
			t.Fatalf("unexpected event %q", env.Event)
		}
		var data map[string]string
		json.Unmarshal(env.Data, &data)
		if data["content"] != "hi" {
			t.Fatalf("unexpected payload %s", env.Data)
		}
	}
	empty(t, outsider)
}

func TestEmitToUserReachesEveryDevice(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	phone, laptop, other := attach(t, h, "a"), attach(t, h, "a"), attach(t, h, "b")

	h.EmitToUser("a", EventIncomingCall, nil)

	next(t, phone)
	next(t, laptop)
	empty(t, other)
}

func TestJoinUserRoomRejectsOtherUser(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	c := attach(t, h, "a")
	if err := h.JoinUserRoom(c.ID, "b"); !errors.Is(err, ErrWrongUser) {
		t.Fatalf("expected ErrWrongUser, got %v", err)
	}
	if err := h.JoinConversationRoom("missing", "conv1"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestRelaySkipsSenderAndRequiresMembership(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	a, b, c := attach(t, h, "a"), attach(t, h, "b"), attach(t, h, "c")
	h.JoinConversationRoom(a.ID, "conv1")
	h.JoinConversationRoom(b.ID, "conv1")

	if err := h.Relay(a.ID, "conv1", EventTyping, map[string]string{"userId": "a"}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	empty(t, a)
	if env := next(t, b); env.Event != EventTyping {
		t.Fatalf("unexpected event %q", env.Event)
	}

	if err := h.Relay(c.ID, "conv1", EventTyping, nil); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("expected ErrNotInRoom, got %v", err)
	}
	empty(t, a)
	empty(t, b)
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	a, b := attach(t, h, "a"), attach(t, h, "b")

	h.Broadcast(a.ID, EventUserOnline, map[string]string{"userId": "a"})

	empty(t, a)
	next(t, b)
}

func TestDetachLeavesRoomsAndClosesQueue(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	a, b := attach(t, h, "a"), attach(t, h, "b")
	h.JoinConversationRoom(a.ID, "conv1")
	h.JoinConversationRoom(b.ID, "conv1")

	h.Detach(a.ID)
	if h.InConversationRoom(a.ID, "conv1") {
		t.Fatalf("detached connection still in room")
	}
	if _, ok := <-a.Send(); ok {
		t.Fatalf("expected closed queue")
	}

	// Emitting after detach must not panic on the closed queue.
	h.EmitToConversation("conv1", EventReceiveMessage, nil)
	next(t, b)
	h.Detach(a.ID)
}

func TestFullQueueDropsFrame(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	c := NewClient("a", 1)
	h.Attach(c)
	h.JoinUserRoom(c.ID, "a")

	h.EmitToUser("a", EventUserOnline, nil)
	h.EmitToUser("a", EventUserOffline, nil)

	if env := next(t, c); env.Event != EventUserOnline {
		t.Fatalf("expected the first frame to survive, got %q", env.Event)
	}
	empty(t, c)
}
