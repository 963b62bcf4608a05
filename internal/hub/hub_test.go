package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openscore/darts-live-backend/internal/entitlement"
	"github.com/openscore/darts-live-backend/internal/moderation"
	"github.com/openscore/darts-live-backend/internal/protocol"
	"github.com/openscore/darts-live-backend/internal/store"
)

// frame is the test-side view of an outbound envelope.
type frame struct {
	Type    string             `json:"type"`
	RoomID  string             `json:"roomId"`
	ConnID  string             `json:"connId"`
	FromID  string             `json:"fromId"`
	Message string             `json:"message"`
	OfferID string             `json:"offerId"`
	Code    protocol.ErrorCode `json:"code"`
	CamCode string             `json:"camCode"`
	Payload json.RawMessage    `json:"payload"`
	Data    json.RawMessage    `json:"data"`
}

func newTestHub(t *testing.T, checker entitlement.Checker) (*Hub, *store.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.New(zap.NewNop(), "proc-test")
	h := NewHub(ctx, zap.NewNop(), st, checker, moderation.Passthrough{}, nil)
	t.Cleanup(func() { h.Inbox() <- Shutdown{} })
	return h, st
}

// newTestHubTicking compresses the heartbeat for liveness tests; the
// sweep stays effectively off.
func newTestHubTicking(t *testing.T, heartbeat time.Duration) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.New(zap.NewNop(), "proc-test")
	h := newHub(ctx, zap.NewNop(), st, entitlement.Static{}, moderation.Passthrough{}, nil, heartbeat, time.Hour)
	t.Cleanup(func() { h.Inbox() <- Shutdown{} })
	return h
}

func register(t *testing.T, h *Hub) *Conn {
	t.Helper()
	reply := make(chan *Conn, 1)
	h.Inbox() <- Register{Reply: reply}
	select {
	case c := <-reply:
		return c
	case <-time.After(time.Second):
		t.Fatalf("timed out registering connection")
		return nil
	}
}

func send(h *Hub, c *Conn, msg string) {
	h.Inbox() <- Inbound{ConnID: c.ID, Data: []byte(msg)}
}

// recvType skips frames until one of the wanted type arrives.
func recvType(t *testing.T, c *Conn, want string) frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case raw, ok := <-c.Outbox:
			if !ok {
				t.Fatalf("outbox closed while waiting for %q", want)
			}
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("bad frame %q: %v", raw, err)
			}
			if f.Type == want {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %q frame", want)
		}
	}
}

func recvNothing(t *testing.T, c *Conn, within time.Duration) {
	t.Helper()
	select {
	case raw, ok := <-c.Outbox:
		if ok {
			t.Fatalf("expected silence, got frame: %s", raw)
		}
	case <-time.After(within):
	}
}

func drain(c *Conn, within time.Duration) []frame {
	var out []frame
	deadline := time.After(within)
	for {
		select {
		case raw, ok := <-c.Outbox:
			if !ok {
				return out
			}
			var f frame
			_ = json.Unmarshal(raw, &f)
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
}

func identify(t *testing.T, h *Hub, c *Conn, email, name string, allowSpectate bool) {
	t.Helper()
	send(h, c, fmt.Sprintf(`{"type":"presence","email":%q,"username":%q,"allowSpectate":%t}`, email, name, allowSpectate))
	recvType(t, c, "presence")
}

func offerIDs(t *testing.T, f frame) []string {
	t.Helper()
	if len(f.Data) == 0 || bytes.Equal(f.Data, []byte("null")) {
		return nil
	}
	var offers []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(f.Data, &offers); err != nil {
		t.Fatalf("bad matches payload %s: %v", f.Data, err)
	}
	ids := make([]string, 0, len(offers))
	for _, o := range offers {
		ids = append(ids, o.ID)
	}
	return ids
}

func TestHub_CreateJoinAccept_FullRoundTrip(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	b := register(t, h)

	identify(t, h, a, "ann@darts.io", "Ann", true)
	drain(b, 50*time.Millisecond)
	identify(t, h, b, "bob@darts.io", "Bob", true)
	drain(a, 50*time.Millisecond)

	// A posts an open offer; every client gets the refreshed list.
	send(h, a, `{"type":"create-match","mode":"x01","rules":"best-of","legs":5,"startingScore":501}`)
	got := recvType(t, a, "matches")
	ids := offerIDs(t, got)
	if len(ids) != 1 {
		t.Fatalf("want 1 open offer, got %v", ids)
	}
	offerID := ids[0]
	recvType(t, b, "matches")

	// B asks to join; only the creator hears about it.
	send(h, b, fmt.Sprintf(`{"type":"join-match","offerId":%q}`, offerID))
	invite := recvType(t, a, "invite")
	if invite.OfferID != offerID || invite.FromID != b.ID {
		t.Fatalf("invite = %+v, want offer %s from %s", invite, offerID, b.ID)
	}

	// A accepts: exactly one match-start for each participant, the
	// offer id becomes the room id, and the offer is gone.
	send(h, a, fmt.Sprintf(`{"type":"invite-response","offerId":%q,"accept":true,"toId":%q}`, offerID, b.ID))

	for name, c := range map[string]*Conn{"creator": a, "requester": b} {
		starts := 0
		var roomID string
		for _, f := range drain(c, 200*time.Millisecond) {
			if f.Type == "match-start" {
				starts++
				roomID = f.RoomID
			}
			if f.Type == "matches" && len(offerIDs(t, f)) != 0 {
				t.Fatalf("%s still sees offer after accept", name)
			}
		}
		if starts != 1 {
			t.Fatalf("%s received %d match-start frames, want exactly 1", name, starts)
		}
		if roomID != offerID {
			t.Fatalf("%s directed to room %q, want %q", name, roomID, offerID)
		}
	}
}

func TestHub_DeclineNotifiesRequesterOnly(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	b := register(t, h)
	identify(t, h, a, "ann@darts.io", "Ann", true)
	drain(b, 50*time.Millisecond)

	send(h, a, `{"type":"create-match","mode":"x01","startingScore":501}`)
	offerID := offerIDs(t, recvType(t, a, "matches"))[0]
	drain(b, 50*time.Millisecond)

	send(h, b, fmt.Sprintf(`{"type":"join-match","offerId":%q}`, offerID))
	recvType(t, a, "invite")

	send(h, a, fmt.Sprintf(`{"type":"invite-response","offerId":%q,"accept":false,"toId":%q}`, offerID, b.ID))
	recvType(t, b, "declined")

	for _, f := range drain(a, 100*time.Millisecond) {
		if f.Type == "declined" || f.Type == "match-start" {
			t.Fatalf("creator got %q frame on decline", f.Type)
		}
	}
}

func TestHub_CancelByNonCreatorForbidden(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	b := register(t, h)
	identify(t, h, a, "ann@darts.io", "Ann", true)

	send(h, a, `{"type":"create-match","mode":"x01","startingScore":501}`)
	offerID := offerIDs(t, recvType(t, a, "matches"))[0]

	send(h, b, fmt.Sprintf(`{"type":"cancel-match","offerId":%q}`, offerID))
	errFrame := recvType(t, b, "error")
	if errFrame.Code != protocol.CodeForbidden {
		t.Fatalf("want FORBIDDEN, got %s", errFrame.Code)
	}
}

func TestHub_RateLimit_BurstDropsSilently(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	c := register(t, h)

	for i := 0; i < 25; i++ {
		send(h, c, `{"type":"list-matches"}`)
	}

	responses := 0
	for _, f := range drain(c, 300*time.Millisecond) {
		if f.Type == "matches" {
			responses++
		}
	}
	if responses != 20 {
		t.Fatalf("burst of 25: want exactly 20 responses (bucket capacity), got %d", responses)
	}
}

func TestHub_OversizedFrameIgnoredWithoutErrorFrame(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	c := register(t, h)

	big := make([]byte, MaxFrameBytes+1)
	h.Inbox() <- Inbound{ConnID: c.ID, Data: big}
	recvNothing(t, c, 100*time.Millisecond)

	// The connection survives abuse.
	send(h, c, `{"type":"list-matches"}`)
	recvType(t, c, "matches")
}

func TestHub_MalformedAndUnknownFramesDroppedSilently(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	c := register(t, h)

	send(h, c, `{nope`)
	send(h, c, `{"type":"make-me-admin"}`)
	recvNothing(t, c, 100*time.Millisecond)
}

func TestHub_SpectateRespectsOccupantPreference(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	viewer := register(t, h)

	identify(t, h, a, "ann@darts.io", "Ann", false) // spectating disabled
	drain(viewer, 50*time.Millisecond)
	send(h, a, `{"type":"join","roomId":"room-1"}`)
	recvType(t, a, "joined")

	send(h, viewer, `{"type":"spectate","roomId":"room-1"}`)
	errFrame := recvType(t, viewer, "error")
	if errFrame.Code != protocol.CodeSpectateNotAllowed {
		t.Fatalf("want SPECTATE_NOT_ALLOWED, got %s", errFrame.Code)
	}
}

func TestHub_SpectateAllowedWhenOccupantsAgree(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	viewer := register(t, h)

	identify(t, h, a, "ann@darts.io", "Ann", true)
	drain(viewer, 50*time.Millisecond)
	send(h, a, `{"type":"join","roomId":"room-1"}`)
	recvType(t, a, "joined")

	send(h, viewer, `{"type":"spectate","roomId":"room-1"}`)
	joined := recvType(t, viewer, "joined")
	if joined.RoomID != "room-1" {
		t.Fatalf("spectator joined %q, want room-1", joined.RoomID)
	}
}

func TestHub_ChatRelaysToRoomExceptSender(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	b := register(t, h)

	send(h, a, `{"type":"join","roomId":"room-1"}`)
	recvType(t, a, "joined")
	send(h, b, `{"type":"join","roomId":"room-1"}`)
	recvType(t, b, "joined")
	drain(a, 50*time.Millisecond)

	send(h, a, `{"type":"chat","message":"good darts"}`)
	chat := recvType(t, b, "chat")
	if chat.Message != "good darts" || chat.FromID != a.ID {
		t.Fatalf("chat = %+v", chat)
	}

	for _, f := range drain(a, 100*time.Millisecond) {
		if f.Type == "chat" {
			t.Fatal("sender received their own chat frame")
		}
	}
}

func TestHub_DisconnectCleansUpOffersAndPresence(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	b := register(t, h)

	identify(t, h, a, "ann@darts.io", "Ann", true)
	drain(b, 50*time.Millisecond)
	send(h, a, `{"type":"create-match","mode":"x01","startingScore":501}`)
	recvType(t, b, "matches")

	h.Inbox() <- Unregister{ConnID: a.ID}

	sawEmptyMatches, sawOffline := false, false
	for _, f := range drain(b, 200*time.Millisecond) {
		if f.Type == "matches" && len(offerIDs(t, f)) == 0 {
			sawEmptyMatches = true
		}
		if f.Type == "presence" && bytes.Contains(f.Data, []byte(`"offline"`)) {
			sawOffline = true
		}
	}
	if !sawEmptyMatches {
		t.Fatal("creator disconnect did not expire the offer")
	}
	if !sawOffline {
		t.Fatal("creator disconnect did not transition presence to offline")
	}
}

func TestHub_StaleCloseDoesNotDemoteReconnectedUser(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a1 := register(t, h)
	observer := register(t, h)

	identify(t, h, a1, "ann@darts.io", "Ann", true)

	// Ann reconnects before the old socket's close handler runs.
	a2 := register(t, h)
	identify(t, h, a2, "ann@darts.io", "Ann", true)
	drain(observer, 50*time.Millisecond)

	h.Inbox() <- Unregister{ConnID: a1.ID}

	for _, f := range drain(observer, 150*time.Millisecond) {
		if f.Type == "presence" && bytes.Contains(f.Data, []byte(`"offline"`)) {
			t.Fatal("stale close demoted a reconnected user")
		}
	}
}

func TestHub_CamPairingFlow(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	host := register(t, h)
	joiner := register(t, h)

	send(h, host, `{"type":"cam-create"}`)
	code := recvType(t, host, "cam-code").CamCode
	if len(code) != 4 {
		t.Fatalf("want 4-character code, got %q", code)
	}

	send(h, joiner, fmt.Sprintf(`{"type":"cam-join","code":%q}`, code))
	recvType(t, joiner, "cam-joined")
	recvType(t, host, "cam-peer-joined")

	send(h, host, fmt.Sprintf(`{"type":"cam-offer","code":%q,"payload":{"sdp":"v=0"}}`, code))
	offer := recvType(t, joiner, "cam-offer")
	if !bytes.Contains(offer.Payload, []byte("v=0")) {
		t.Fatalf("offer payload not relayed: %s", offer.Payload)
	}

	send(h, joiner, fmt.Sprintf(`{"type":"cam-answer","code":%q,"payload":{"sdp":"v=0 answer"}}`, code))
	recvType(t, host, "cam-answer")
}

func TestHub_CamJoinUnknownCode(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	c := register(t, h)

	send(h, c, `{"type":"cam-join","code":"ZZZZ"}`)
	errFrame := recvType(t, c, "error")
	if errFrame.Code != protocol.CodeInvalidCode {
		t.Fatalf("want INVALID_CODE, got %s", errFrame.Code)
	}
}

func TestHub_PremiumModeGatedByEntitlement(t *testing.T) {
	// Nobody holds premium.
	h, _ := newTestHub(t, entitlement.Static{Premium: map[string]bool{}})
	c := register(t, h)
	identify(t, h, c, "ann@darts.io", "Ann", true)

	send(h, c, `{"type":"create-match","mode":"cricket","startingScore":0}`)
	errFrame := recvType(t, c, "error")
	if errFrame.Code != protocol.CodePremiumRequired {
		t.Fatalf("want PREMIUM_REQUIRED, got %s", errFrame.Code)
	}
}

func TestHub_DirectedEnvelopeDeliveredOnlyToLocalTarget(t *testing.T) {
	h, st := newTestHub(t, entitlement.Static{})
	c := register(t, h)

	payload := []byte(`{"type":"invite","offerId":"remote-1"}`)
	st.Receive(store.Envelope{Target: c.ID, Value: payload, Origin: "proc-other"})
	invite := recvType(t, c, "invite")
	if invite.OfferID != "remote-1" {
		t.Fatalf("directed payload mangled: %+v", invite)
	}

	// A target this process does not hold is ignored.
	st.Receive(store.Envelope{Target: "conn-elsewhere", Value: payload, Origin: "proc-other"})
	recvNothing(t, c, 100*time.Millisecond)
}

func TestHub_ReplicatedOfferRefreshesLocalClients(t *testing.T) {
	h, st := newTestHub(t, entitlement.Static{})
	c := register(t, h)

	offer := []byte(`{"id":"remote-o1","mode":"x01","startingScore":501,"creatorConn":"conn-remote","createdAt":5}`)
	st.Receive(store.Envelope{
		Namespace: store.NSOffers, Key: "remote-o1", Value: offer,
		TS: 5, Seq: 1, Origin: "proc-other",
	})

	f := recvType(t, c, "matches")
	ids := offerIDs(t, f)
	if len(ids) != 1 || ids[0] != "remote-o1" {
		t.Fatalf("remote offer not visible locally: %v", ids)
	}
}

func TestHub_FriendMatchAcceptedByTarget(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	b := register(t, h)

	identify(t, h, a, "ann@darts.io", "Ann", true)
	drain(b, 50*time.Millisecond)
	identify(t, h, b, "bob@darts.io", "Bob", true)
	drain(a, 50*time.Millisecond)

	// The invite goes straight to Bob; a directed offer never shows up
	// on the public list.
	send(h, a, `{"type":"start-friend-match","toEmail":"bob@darts.io","mode":"x01","startingScore":501}`)
	invite := recvType(t, b, "invite")
	if invite.FromID != a.ID || invite.OfferID == "" {
		t.Fatalf("invite = %+v, want one from %s", invite, a.ID)
	}
	for _, f := range drain(a, 100*time.Millisecond) {
		if f.Type == "matches" && len(offerIDs(t, f)) != 0 {
			t.Fatal("friend-match offer leaked onto the public list")
		}
	}

	// Bob, not the creator, answers the invite.
	send(h, b, fmt.Sprintf(`{"type":"invite-response","offerId":%q,"accept":true}`, invite.OfferID))

	for name, c := range map[string]*Conn{"inviter": a, "target": b} {
		starts := 0
		var roomID string
		for _, f := range drain(c, 200*time.Millisecond) {
			if f.Type == "error" {
				t.Fatalf("%s got error frame code=%s", name, f.Code)
			}
			if f.Type == "match-start" {
				starts++
				roomID = f.RoomID
			}
		}
		if starts != 1 {
			t.Fatalf("%s received %d match-start frames, want exactly 1", name, starts)
		}
		if roomID != invite.OfferID {
			t.Fatalf("%s directed to room %q, want %q", name, roomID, invite.OfferID)
		}
	}
}

func TestHub_FriendMatchDeclinedByTarget(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	b := register(t, h)

	identify(t, h, a, "ann@darts.io", "Ann", true)
	drain(b, 50*time.Millisecond)
	identify(t, h, b, "bob@darts.io", "Bob", true)
	drain(a, 50*time.Millisecond)

	send(h, a, `{"type":"start-friend-match","toEmail":"bob@darts.io","mode":"x01","startingScore":501}`)
	invite := recvType(t, b, "invite")

	send(h, b, fmt.Sprintf(`{"type":"invite-response","offerId":%q,"accept":false}`, invite.OfferID))
	declined := recvType(t, a, "declined")
	if declined.OfferID != invite.OfferID {
		t.Fatalf("declined = %+v", declined)
	}
}

func TestHub_FriendMatchTargetOffline(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	identify(t, h, a, "ann@darts.io", "Ann", true)

	send(h, a, `{"type":"start-friend-match","toEmail":"ghost@darts.io","mode":"x01","startingScore":501}`)
	errFrame := recvType(t, a, "error")
	if errFrame.Code != protocol.CodeUserOffline {
		t.Fatalf("want USER_OFFLINE, got %s", errFrame.Code)
	}
}

func TestHub_InviteResponseIgnoresForgedTarget(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	b := register(t, h)
	bystander := register(t, h)

	identify(t, h, a, "ann@darts.io", "Ann", true)
	drain(b, 50*time.Millisecond)
	drain(bystander, 50*time.Millisecond)

	send(h, a, `{"type":"create-match","mode":"x01","startingScore":501}`)
	offerID := offerIDs(t, recvType(t, a, "matches"))[0]
	drain(b, 50*time.Millisecond)
	drain(bystander, 50*time.Millisecond)

	send(h, b, fmt.Sprintf(`{"type":"join-match","offerId":%q}`, offerID))
	recvType(t, a, "invite")

	// The creator names an unrelated connection; the recorded requester
	// wins.
	send(h, a, fmt.Sprintf(`{"type":"invite-response","offerId":%q,"accept":true,"toId":%q}`, offerID, bystander.ID))
	recvType(t, b, "match-start")

	for _, f := range drain(bystander, 150*time.Millisecond) {
		if f.Type == "match-start" {
			t.Fatal("forged toId steered match-start to a bystander")
		}
	}
}

func TestHub_HeartbeatTerminatesSilentConnection(t *testing.T) {
	h := newTestHubTicking(t, 20*time.Millisecond)
	c := register(t, h)

	// Never answer the pings: the second cycle must force-close us.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-c.PingReq:
		case _, ok := <-c.Outbox:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("silent connection was never terminated")
		}
	}
}

func TestHub_HeartbeatSparesResponsiveConnection(t *testing.T) {
	h := newTestHubTicking(t, 40*time.Millisecond)
	c := register(t, h)

	quit := make(chan struct{})
	t.Cleanup(func() { close(quit) })
	go func() {
		for {
			select {
			case <-c.PingReq:
				h.Inbox() <- Pong{ConnID: c.ID}
			case <-quit:
				return
			}
		}
	}()

	// Outlive several cycles, then prove the connection still works.
	time.Sleep(150 * time.Millisecond)
	send(h, c, `{"type":"list-matches"}`)
	recvType(t, c, "matches")
}

func TestHub_GetStateReflectsConnectionsAndRooms(t *testing.T) {
	h, _ := newTestHub(t, entitlement.Static{})
	a := register(t, h)
	register(t, h)

	send(h, a, `{"type":"join","roomId":"room-1"}`)
	recvType(t, a, "joined")

	reply := make(chan View, 1)
	h.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		if v.NumConns != 2 {
			t.Fatalf("want 2 connections, got %d", v.NumConns)
		}
		if len(v.Rooms) != 1 || v.Rooms[0] != "room-1" {
			t.Fatalf("want rooms [room-1], got %v", v.Rooms)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for view")
	}
}
