package hub

import (
	"errors"

	"go.uber.org/zap"

	"github.com/openscore/darts-live-backend/internal/camera"
	"github.com/openscore/darts-live-backend/internal/lobby"
	"github.com/openscore/darts-live-backend/internal/presence"
	"github.com/openscore/darts-live-backend/internal/protocol"
)

// handleInbound is the single entry point for client frames: size cap,
// rate limit, decode, then exhaustive dispatch over the command union.
func (h *Hub) handleInbound(connID string, data []byte) {
	c, ok := h.conns[connID]
	if !ok {
		return
	}

	if len(data) > MaxFrameBytes {
		// Abuse; no error frame.
		h.log.Warn("oversized frame dropped", zap.String("conn", connID), zap.Int("bytes", len(data)))
		return
	}
	if !c.bucket.Allow(h.now()) {
		// Rate limited; not queued, not retried.
		return
	}

	cmd, err := protocol.Decode(data)
	if err != nil {
		// Unknown types and malformed JSON are dropped silently so
		// probing clients get no oracle.
		h.log.Debug("undecodable frame dropped", zap.String("conn", connID), zap.Error(err))
		return
	}

	switch m := cmd.(type) {
	case protocol.JoinRoom:
		h.handleJoin(c, m.RoomID, false)
	case protocol.Spectate:
		h.handleSpectate(c, m.RoomID)
	case protocol.RelayState:
		if roomID, ok := h.rooms.Room(c.ID); ok {
			h.broadcastRoom(roomID, protocol.State(c.ID, m.Payload), c.ID)
		}
	case protocol.Chat:
		if roomID, ok := h.rooms.Room(c.ID); ok {
			clean := h.filter.Clean(m.Message)
			h.broadcastRoom(roomID, protocol.ChatMessage(c.ID, c.name, clean), c.ID)
		}
	case protocol.Identify:
		h.handleIdentify(c, m)
	case protocol.CreateMatch:
		h.handleCreateMatch(c, m)
	case protocol.JoinMatch:
		h.handleJoinMatch(c, m)
	case protocol.InviteResponse:
		h.handleInviteResponse(c, m)
	case protocol.CancelMatch:
		h.handleCancelMatch(c, m)
	case protocol.StartFriendMatch:
		h.handleFriendMatch(c, m)
	case protocol.CamCreate:
		h.handleCamCreate(c)
	case protocol.CamJoin:
		h.handleCamJoin(c, m)
	case protocol.CamSignal:
		h.handleCamSignal(c, m)
	case protocol.ListMatches:
		h.send(c.ID, protocol.Matches(h.lobby.Open()))
	case protocol.ListTournaments:
		h.send(c.ID, protocol.Tournaments(h.tournaments.List()))
	}
}

func (h *Hub) handleJoin(c *Conn, roomID string, spectator bool) {
	prev := h.rooms.Join(c.ID, roomID)
	if prev != "" && prev != roomID {
		h.broadcastRoom(prev, protocol.PeerLeft(prev, c.ID), c.ID)
	}
	c.spectator = spectator

	h.send(c.ID, protocol.Joined(roomID, c.ID))
	h.broadcastRoom(roomID, protocol.PeerJoined(roomID, c.ID, c.name), c.ID)
}

// handleSpectate admits a spectator only if every identified
// non-spectator occupant allows it.
func (h *Hub) handleSpectate(c *Conn, roomID string) {
	for _, id := range h.rooms.Members(roomID) {
		member, ok := h.conns[id]
		if !ok || member.spectator || member.email == "" {
			continue
		}
		if rec, ok := h.presence.Get(member.email); ok && !rec.AllowSpectate {
			h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeSpectateNotAllowed, "a player in this match has disabled spectating"))
			return
		}
	}
	h.handleJoin(c, roomID, true)
}

func (h *Hub) handleIdentify(c *Conn, m protocol.Identify) {
	c.email = m.Email
	c.name = m.Username
	rec := h.presence.Identify(c.ID, m.Email, m.Username, m.AllowSpectate)
	h.broadcastAll(protocol.PresenceUpdate(rec))
}

func (h *Hub) handleCreateMatch(c *Conn, m protocol.CreateMatch) {
	if !c.Identified() {
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeBadRequest, "identify before creating a match"))
		return
	}
	if lobby.ModeRequiresPremium(m.Mode) {
		h.checkEntitlement(c, entitlementChecked{Resume: resumeCreate, Create: m})
		return
	}
	h.finishCreateMatch(c.ID, m, "")
}

func (h *Hub) handleFriendMatch(c *Conn, m protocol.StartFriendMatch) {
	if !c.Identified() {
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeBadRequest, "identify before inviting a friend"))
		return
	}
	rec, ok := h.presence.Get(m.ToEmail)
	if !ok || rec.Status == presence.StatusOffline {
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeUserOffline, "that player is not online"))
		return
	}
	if lobby.ModeRequiresPremium(m.Match.Mode) {
		h.checkEntitlement(c, entitlementChecked{Resume: resumeFriend, Create: m.Match, ToEmail: m.ToEmail})
		return
	}
	h.finishCreateMatch(c.ID, m.Match, m.ToEmail)
}

func (h *Hub) handleJoinMatch(c *Conn, m protocol.JoinMatch) {
	offer, err := h.lobby.Validate(m.OfferID, m.Calibrated)
	switch {
	case errors.Is(err, lobby.ErrNotFound):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeNotFound, "offer no longer exists"))
		return
	case errors.Is(err, lobby.ErrCalibrationRequired):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeCalibrationRequired, "this offer requires a calibrated board"))
		return
	}
	if lobby.ModeRequiresPremium(offer.Mode) {
		h.checkEntitlement(c, entitlementChecked{Resume: resumeJoin, OfferID: m.OfferID, Calib: m.Calibrated})
		return
	}
	h.finishJoinMatch(c.ID, m.OfferID)
}

// checkEntitlement runs the external lookup as a detached task; the
// result re-enters the loop as an entitlementChecked message, so no
// handler ever blocks on the collaborator.
func (h *Hub) checkEntitlement(c *Conn, cont entitlementChecked) {
	cont.ConnID = c.ID
	email := c.email
	go func() {
		profile, err := h.checker.Lookup(h.ctx, email)
		cont.Profile = profile
		cont.Err = err
		select {
		case h.inbox <- cont:
		case <-h.ctx.Done():
		}
	}()
}

func (h *Hub) resumeChecked(m entitlementChecked) {
	c, ok := h.conns[m.ConnID]
	if !ok {
		return // connection closed while we were checking
	}
	if m.Err != nil {
		h.log.Warn("entitlement lookup failed", zap.String("conn", m.ConnID), zap.Error(m.Err))
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodePremiumRequired, "entitlement could not be verified"))
		return
	}
	if !m.Profile.HasPremium {
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodePremiumRequired, "this game mode requires a premium subscription"))
		return
	}

	switch m.Resume {
	case resumeCreate:
		h.finishCreateMatch(c.ID, m.Create, "")
	case resumeFriend:
		h.finishCreateMatch(c.ID, m.Create, m.ToEmail)
	case resumeJoin:
		h.finishJoinMatch(c.ID, m.OfferID)
	}
}

func (h *Hub) finishCreateMatch(connID string, m protocol.CreateMatch, toEmail string) {
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	offer := h.lobby.Create(lobby.Offer{
		ID:                 newOfferID(),
		Mode:               m.Mode,
		Rules:              m.Rules,
		Legs:               m.Legs,
		StartingScore:      m.StartingScore,
		RequireCalibration: m.RequireCalibration,
		CreatorEmail:       c.email,
		CreatorName:        c.name,
		CreatorConn:        c.ID,
		ToEmail:            toEmail,
	})

	if toEmail == "" {
		h.broadcastMatches()
		return
	}
	// Friend match: invite the target directly, wherever they are.
	rec, ok := h.presence.Get(toEmail)
	if !ok || rec.Status == presence.StatusOffline {
		h.lobby.Remove(offer.ID)
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeUserOffline, "that player is not online"))
		return
	}
	h.deliver(rec.ConnID, protocol.Invite(offer.ID, c.ID, c.name))
}

func (h *Hub) finishJoinMatch(connID, offerID string) {
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	offer, ok := h.lobby.MarkInvited(offerID, c.ID, c.email, c.name)
	if !ok {
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeNotFound, "offer no longer exists"))
		return
	}
	h.deliver(offer.CreatorConn, protocol.Invite(offer.ID, c.ID, c.name))
}

// handleInviteResponse finishes the lobby state machine. Two roles may
// respond: the creator, deciding on a join request, or a friend-match
// target, deciding on the direct invite sent to them. On accept the
// offer id becomes the room id, both participants are directed to join
// it, and both presences transition to in-game. The peer comes from the
// offer record, never from the client.
func (h *Hub) handleInviteResponse(c *Conn, m protocol.InviteResponse) {
	offer, ok := h.lobby.Get(m.OfferID)
	if !ok {
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeNotFound, "offer no longer exists"))
		return
	}

	var peer, peerEmail string
	switch {
	case offer.CreatorConn == c.ID:
		peer, peerEmail = offer.InvitedConn, offer.InvitedEmail
	case offer.ToEmail != "" && c.email == offer.ToEmail:
		peer, peerEmail = offer.CreatorConn, offer.CreatorEmail
	default:
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeForbidden, "this invite is not yours to answer"))
		return
	}

	h.lobby.Remove(offer.ID)

	if !m.Accept {
		if peer != "" {
			h.deliver(peer, protocol.Declined(offer.ID))
		}
		h.broadcastMatches()
		return
	}

	roomID := offer.ID
	start := protocol.MatchStart(roomID, offer.ID)
	h.send(c.ID, start)
	if peer != "" {
		h.deliver(peer, start)
	}

	for _, email := range []string{c.email, peerEmail} {
		if email == "" {
			continue
		}
		if rec, ok := h.presence.SetStatus(email, presence.StatusInGame, roomID); ok {
			h.broadcastAll(protocol.PresenceUpdate(rec))
		}
	}
	h.broadcastMatches()
}

func (h *Hub) handleCancelMatch(c *Conn, m protocol.CancelMatch) {
	switch err := h.lobby.Cancel(m.OfferID, c.ID); {
	case errors.Is(err, lobby.ErrNotFound):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeNotFound, "offer no longer exists"))
	case errors.Is(err, lobby.ErrNotCreator):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeForbidden, "only the offer's creator may cancel it"))
	default:
		h.broadcastMatches()
	}
}

func (h *Hub) handleCamCreate(c *Conn) {
	sess, err := h.camera.CreateCode(c.ID)
	if err != nil {
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeBadRequest, "could not create a pairing code"))
		return
	}
	h.send(c.ID, protocol.CamCode(sess.Code))
}

func (h *Hub) handleCamJoin(c *Conn, m protocol.CamJoin) {
	sess, err := h.camera.Join(m.Code, c.ID)
	switch {
	case errors.Is(err, camera.ErrInvalidCode):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeInvalidCode, "no pairing session for that code"))
		return
	case errors.Is(err, camera.ErrExpired):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeExpired, "that pairing code has expired"))
		return
	case errors.Is(err, camera.ErrFull):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeFull, "that pairing session already has a peer"))
		return
	case err != nil:
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeBadRequest, "could not join the pairing session"))
		return
	}
	h.send(c.ID, protocol.CamJoined(sess.Code))
	h.deliver(sess.HostConn, protocol.CamPeerJoined(sess.Code))
}

func (h *Hub) handleCamSignal(c *Conn, m protocol.CamSignal) {
	target, err := h.camera.ResolveTarget(m.Code, m.Kind, c.ID)
	switch {
	case errors.Is(err, camera.ErrInvalidCode):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeInvalidCode, "no pairing session for that code"))
		return
	case errors.Is(err, camera.ErrExpired):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeExpired, "that pairing session has expired"))
		return
	case errors.Is(err, camera.ErrNoPeer):
		h.send(c.ID, protocol.ErrorEnvelope(protocol.CodeBadRequest, "no peer has joined this session yet"))
		return
	}
	h.deliver(target, protocol.CamSignalEnvelope(m.Kind, m.Code, m.Payload))
}
