package server

import (
	"time"

	"github.com/duelchat/duelchat/pkg/database"
	"github.com/duelchat/duelchat/pkg/protocol"
)

// broadcastToChannel fans an event out to all online members of a channel,
// excluding excludeUserID (pass 0 to exclude nobody). The recipient list is
// snapshotted first; no registry lock is held while writing to peers.
func (s *Server) broadcastToChannel(channelID, excludeUserID int64, typ protocol.EventType, payload any) {
	members, err := s.db.ListMembers(channelID)
	if err != nil {
		errorLog.Printf("Broadcast to channel %d failed to list members: %v", channelID, err)
		return
	}

	userIDs := make([]int64, 0, len(members))
	for _, m := range members {
		if m.UserID != excludeUserID {
			userIDs = append(userIDs, m.UserID)
		}
	}

	s.broadcastToSessions(s.sessions.SessionsForUsers(userIDs), typ, payload)
}

// broadcastToUsers fans an event out to the live sessions of specific users.
func (s *Server) broadcastToUsers(userIDs []int64, typ protocol.EventType, payload any) {
	s.broadcastToSessions(s.sessions.SessionsForUsers(userIDs), typ, payload)
}

// broadcastPresence announces a user coming online or going offline to every
// other authenticated session. Presence is system-wide, not channel-scoped.
func (s *Server) broadcastPresence(typ protocol.EventType, userID int64, username string, at time.Time) {
	all := s.sessions.GetAllSessions()
	recipients := make([]*Session, 0, len(all))
	for _, sess := range all {
		if !sess.Authenticated() {
			continue
		}
		if id, _ := sess.Identity(); id == userID {
			continue
		}
		recipients = append(recipients, sess)
	}

	s.broadcastToSessions(recipients, typ, &protocol.PresencePayload{
		UserID:    userID,
		Username:  username,
		Timestamp: at.UnixMilli(),
	})
}

// broadcastToSessions encodes the event once and writes it to each session.
// Per-peer write failures are logged and skipped; one slow or dead peer never
// blocks delivery to the rest.
func (s *Server) broadcastToSessions(sessions []*Session, typ protocol.EventType, payload any) {
	if len(sessions) == 0 {
		return
	}

	raw, err := protocol.EncodeEvent(typ, payload)
	if err != nil {
		errorLog.Printf("Failed to encode %s event: %v", typ, err)
		return
	}

	sent := 0
	for _, sess := range sessions {
		if err := sess.Conn.WritePayload(raw); err != nil {
			debugLog.Printf("Session %d: Broadcast write failed: %v", sess.ID, err)
			continue
		}
		sent++
	}

	debugLog.Printf("Broadcast %s to %d/%d sessions", typ, sent, len(sessions))
	if s.metrics != nil {
		s.metrics.RecordEventSent(string(typ))
		s.metrics.RecordBroadcastRecipients(sent)
	}
}

// postSystemMessage persists a SYSTEM-authored message in the channel and
// broadcasts it to all online members.
func (s *Server) postSystemMessage(ch *database.Channel, text string) {
	s.postSyntheticMessage(ch, s.db.SystemUserID(), database.SystemUsername, text)
}

// postDuelNotice persists a DUEL_NOTICE-authored message in the channel and
// broadcasts it to all online members.
func (s *Server) postDuelNotice(ch *database.Channel, text string) {
	s.postSyntheticMessage(ch, s.db.DuelNoticeUserID(), database.DuelNoticeUsername, text)
}

func (s *Server) postSyntheticMessage(ch *database.Channel, authorID int64, authorName, text string) {
	msg, err := s.db.AddMessage(ch.ID, authorID, text)
	if err != nil {
		errorLog.Printf("Failed to persist %s message in channel %d: %v", authorName, ch.ID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordMessagePersisted()
	}

	msg.AuthorUsername = authorName
	s.broadcastToChannel(ch.ID, 0, protocol.EventSystemMessage, chatPayloadFromMessage(msg, ch.Name))
}
