package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duelchat/duelchat/pkg/database"
	"github.com/duelchat/duelchat/pkg/protocol"
)

// sendResponse encodes and sends a response to a session.
func (s *Server) sendResponse(sess *Session, resp *protocol.Response) error {
	payload, err := resp.Encode()
	if err != nil {
		return err
	}
	return sess.Conn.WritePayload(payload)
}

// sendSuccess sends a success response for an action.
func (s *Server) sendSuccess(sess *Session, action protocol.Action, message string, data any) error {
	return s.sendResponse(sess, protocol.SuccessResponse(action, message, data))
}

// sendError sends a typed error response for an action.
func (s *Server) sendError(sess *Session, action protocol.Action, code int, message string) error {
	if s.metrics != nil {
		s.metrics.RecordErrorSent(string(action))
	}
	return s.sendResponse(sess, protocol.ErrorResponse(action, code, message))
}

// sendEvent encodes and sends one event to a single session.
func (s *Server) sendEvent(sess *Session, typ protocol.EventType, payload any) error {
	raw, err := protocol.EncodeEvent(typ, payload)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordEventSent(string(typ))
	}
	return sess.Conn.WritePayload(raw)
}

func chatPayloadFromMessage(msg *database.Message, serverName string) protocol.ChatMessagePayload {
	return protocol.ChatMessagePayload{
		MessageID:      msg.ID,
		ServerID:       msg.ChannelID,
		ServerName:     serverName,
		SenderUserID:   msg.AuthorUserID,
		SenderUsername: msg.AuthorUsername,
		Message:        msg.Content,
		Timestamp:      msg.Timestamp,
	}
}

// ===== Authentication =====

func validUsername(name string, maxLen int) bool {
	if name == "" || len(name) > maxLen {
		return false
	}
	return !strings.ContainsAny(name, " \t\r\n")
}

func (s *Server) handleRegister(sess *Session, p *protocol.CredentialsPayload) error {
	if sess.Authenticated() {
		return s.sendError(sess, protocol.ActionRegister, protocol.ErrCodeAlreadyConnected, "Already authenticated")
	}
	if !validUsername(p.Username, s.config.MaxUsernameLength) {
		return s.sendError(sess, protocol.ActionRegister, protocol.ErrCodeInvalidInput,
			fmt.Sprintf("Username must be 1-%d characters with no whitespace", s.config.MaxUsernameLength))
	}
	if p.Credential == "" {
		return s.sendError(sess, protocol.ActionRegister, protocol.ErrCodeInvalidInput, "Credential must not be empty")
	}

	userID, err := s.db.AddUser(p.Username, p.Credential)
	if err != nil {
		if errors.Is(err, database.ErrUsernameTaken) {
			return s.sendError(sess, protocol.ActionRegister, protocol.ErrCodeUsernameTaken, "Username already taken")
		}
		return err
	}

	if !s.sessions.Authenticate(sess, userID, p.Username) {
		return s.sendError(sess, protocol.ActionRegister, protocol.ErrCodeAlreadyConnected, "User already connected")
	}

	debugLog.Printf("Session %d: Registered user %s (ID: %d)", sess.ID, p.Username, userID)
	s.broadcastPresence(protocol.EventUserJoined, userID, p.Username, time.Now())
	return s.sendSuccess(sess, protocol.ActionRegister, "Registration successful", &protocol.AuthData{
		UserID:   userID,
		Username: p.Username,
	})
}

func (s *Server) handleLogin(sess *Session, p *protocol.CredentialsPayload) error {
	if sess.Authenticated() {
		return s.sendError(sess, protocol.ActionLogin, protocol.ErrCodeAlreadyConnected, "Already authenticated")
	}

	userID, err := s.db.CheckCredentials(p.Username, p.Credential)
	if err != nil {
		if errors.Is(err, database.ErrInvalidCredentials) {
			return s.sendError(sess, protocol.ActionLogin, protocol.ErrCodeInvalidCredentials, "Invalid username or credential")
		}
		return err
	}

	if !s.sessions.Authenticate(sess, userID, p.Username) {
		return s.sendError(sess, protocol.ActionLogin, protocol.ErrCodeAlreadyConnected, "User already connected from another session")
	}

	debugLog.Printf("Session %d: Logged in user %s (ID: %d)", sess.ID, p.Username, userID)
	s.broadcastPresence(protocol.EventUserJoined, userID, p.Username, time.Now())
	return s.sendSuccess(sess, protocol.ActionLogin, "Login successful", &protocol.AuthData{
		UserID:   userID,
		Username: p.Username,
	})
}

// ===== Channels =====

func (s *Server) handleCreateServer(sess *Session, p *protocol.CreateServerPayload) error {
	userID, _ := sess.Identity()

	name := strings.TrimSpace(p.ServerName)
	if name == "" || len(name) > s.config.MaxChannelNameLength {
		return s.sendError(sess, protocol.ActionCreateServer, protocol.ErrCodeInvalidInput,
			fmt.Sprintf("Server name must be 1-%d characters", s.config.MaxChannelNameLength))
	}

	ch, err := s.db.CreateChannel(name, userID)
	if err != nil {
		return err
	}

	debugLog.Printf("Session %d: Created server %q (ID: %d)", sess.ID, ch.Name, ch.ID)
	return s.sendSuccess(sess, protocol.ActionCreateServer, "Server created", &protocol.CreateServerData{
		ServerID:   ch.ID,
		ServerName: ch.Name,
		AdminID:    ch.AdminUserID,
		InviteCode: ch.InviteCode,
	})
}

func (s *Server) handleJoinServer(sess *Session, p *protocol.JoinServerPayload) error {
	userID, username := sess.Identity()

	ch, err := s.db.GetChannelByInviteCode(strings.TrimSpace(p.InviteCode))
	if err != nil {
		if errors.Is(err, database.ErrChannelNotFound) {
			return s.sendError(sess, protocol.ActionJoinServer, protocol.ErrCodeChannelNotFound, "Invalid invite code")
		}
		return err
	}

	if err := s.db.AddMember(userID, ch.ID); err != nil {
		if errors.Is(err, database.ErrAlreadyMember) {
			return s.sendError(sess, protocol.ActionJoinServer, protocol.ErrCodeAlreadyMember, "Already a member of this server")
		}
		return err
	}

	s.postSystemMessage(ch, fmt.Sprintf("%s joined the server", username))

	return s.sendSuccess(sess, protocol.ActionJoinServer, "Joined server", &protocol.ServerSummary{
		ServerID:      ch.ID,
		Name:          ch.Name,
		AdminUserID:   ch.AdminUserID,
		AdminUsername: ch.AdminUsername,
	})
}

func (s *Server) handleLeaveServer(sess *Session, p *protocol.ServerIDPayload) error {
	userID, username := sess.Identity()

	ch, err := s.db.GetChannel(p.ServerID)
	if err != nil {
		if errors.Is(err, database.ErrChannelNotFound) {
			return s.sendError(sess, protocol.ActionLeaveServer, protocol.ErrCodeChannelNotFound, "Server not found")
		}
		return err
	}

	res, err := s.db.RemoveMember(userID, ch.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotMember) {
			return s.sendError(sess, protocol.ActionLeaveServer, protocol.ErrCodeNotMember, "Not a member of this server")
		}
		return err
	}

	if cur := sess.CurrentChannel(); cur != nil && *cur == ch.ID {
		sess.SetCurrentChannel(nil)
	}

	if !res.ChannelDeleted {
		if res.NewAdminUserID != nil {
			debugLog.Printf("Server %d: admin role passed to %s after %s left", ch.ID, res.NewAdminUsername, username)
			s.postSystemMessage(ch, fmt.Sprintf("%s left. %s is now the admin", username, res.NewAdminUsername))
		} else {
			s.postSystemMessage(ch, fmt.Sprintf("%s left the server", username))
		}
	} else {
		debugLog.Printf("Server %d deleted (last member %s left)", ch.ID, username)
	}

	return s.sendSuccess(sess, protocol.ActionLeaveServer, "Left server", nil)
}

func (s *Server) handleEnterServer(sess *Session, p *protocol.ServerIDPayload) error {
	userID, _ := sess.Identity()

	ch, err := s.db.GetChannel(p.ServerID)
	if err != nil {
		if errors.Is(err, database.ErrChannelNotFound) {
			return s.sendError(sess, protocol.ActionEnterServer, protocol.ErrCodeChannelNotFound, "Server not found")
		}
		return err
	}

	isMember, err := s.db.IsMember(userID, ch.ID)
	if err != nil {
		return err
	}
	if !isMember {
		return s.sendError(sess, protocol.ActionEnterServer, protocol.ErrCodeNotMember, "Not a member of this server")
	}

	messages, err := s.db.ListRecentMessages(ch.ID, s.config.HistoryLimit)
	if err != nil {
		return err
	}

	channelID := ch.ID
	sess.SetCurrentChannel(&channelID)

	history := make([]protocol.ChatMessagePayload, 0, len(messages))
	for _, msg := range messages {
		history = append(history, chatPayloadFromMessage(msg, ch.Name))
	}

	return s.sendSuccess(sess, protocol.ActionEnterServer, "Entered server", &protocol.EnterServerData{
		ServerID:   ch.ID,
		ServerName: ch.Name,
		Messages:   history,
	})
}

func summarizeChannels(channels []*database.Channel, includeInvite bool) []protocol.ServerSummary {
	summaries := make([]protocol.ServerSummary, 0, len(channels))
	for _, ch := range channels {
		summary := protocol.ServerSummary{
			ServerID:      ch.ID,
			Name:          ch.Name,
			AdminUserID:   ch.AdminUserID,
			AdminUsername: ch.AdminUsername,
		}
		if includeInvite {
			summary.InviteCode = ch.InviteCode
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

func (s *Server) handleListAllServers(sess *Session) error {
	channels, err := s.db.ListAllChannels()
	if err != nil {
		return err
	}
	// Invite codes stay private to members
	return s.sendSuccess(sess, protocol.ActionListAllServers, "", &protocol.ServerListData{
		Servers: summarizeChannels(channels, false),
	})
}

func (s *Server) handleListMyServers(sess *Session) error {
	userID, _ := sess.Identity()

	channels, err := s.db.ListChannelsForUser(userID)
	if err != nil {
		return err
	}
	return s.sendSuccess(sess, protocol.ActionListMyServers, "", &protocol.ServerListData{
		Servers: summarizeChannels(channels, true),
	})
}

func (s *Server) handleGetServerMembers(sess *Session, p *protocol.ServerIDPayload) error {
	userID, _ := sess.Identity()

	ch, err := s.db.GetChannel(p.ServerID)
	if err != nil {
		if errors.Is(err, database.ErrChannelNotFound) {
			return s.sendError(sess, protocol.ActionGetServerMembers, protocol.ErrCodeChannelNotFound, "Server not found")
		}
		return err
	}

	isMember, err := s.db.IsMember(userID, ch.ID)
	if err != nil {
		return err
	}
	if !isMember {
		return s.sendError(sess, protocol.ActionGetServerMembers, protocol.ErrCodeNotMember, "Not a member of this server")
	}

	members, err := s.db.ListMembers(ch.ID)
	if err != nil {
		return err
	}

	infos := make([]protocol.MemberInfo, 0, len(members))
	for _, m := range members {
		infos = append(infos, protocol.MemberInfo{
			UserID:   m.UserID,
			Username: m.Username,
			IsOnline: s.sessions.IsOnline(m.UserID),
			IsAdmin:  m.UserID == ch.AdminUserID,
		})
	}

	return s.sendSuccess(sess, protocol.ActionGetServerMembers, "", &protocol.MemberListData{
		ServerID:   ch.ID,
		ServerName: ch.Name,
		Members:    infos,
	})
}

// ===== Chat =====

func (s *Server) handleSendChatMessage(sess *Session, p *protocol.ChatPayload) error {
	userID, _ := sess.Identity()

	cur := sess.CurrentChannel()
	if cur == nil {
		return s.sendError(sess, protocol.ActionSendChatMessage, protocol.ErrCodeInvalidInput, "Enter a server before sending messages")
	}
	if p.Message == "" {
		return s.sendError(sess, protocol.ActionSendChatMessage, protocol.ErrCodeInvalidInput, "Message must not be empty")
	}
	if len(p.Message) > s.config.MaxMessageLength {
		return s.sendError(sess, protocol.ActionSendChatMessage, protocol.ErrCodeInvalidInput,
			fmt.Sprintf("Message exceeds %d bytes", s.config.MaxMessageLength))
	}

	// Membership may have been revoked (kick, leave) since ENTER_SERVER
	isMember, err := s.db.IsMember(userID, *cur)
	if err != nil {
		return err
	}
	if !isMember {
		sess.SetCurrentChannel(nil)
		return s.sendError(sess, protocol.ActionSendChatMessage, protocol.ErrCodeNotMember, "Not a member of this server")
	}

	ch, err := s.db.GetChannel(*cur)
	if err != nil {
		return err
	}

	msg, err := s.db.AddMessage(ch.ID, userID, p.Message)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordMessagePersisted()
	}

	_, username := sess.Identity()
	msg.AuthorUsername = username
	// The author gets the broadcast too; it carries the persisted id and
	// timestamp their success response does not.
	s.broadcastToChannel(ch.ID, 0, protocol.EventNewChatMessage, chatPayloadFromMessage(msg, ch.Name))

	return s.sendSuccess(sess, protocol.ActionSendChatMessage, "Message sent", nil)
}

// ===== Moderation =====

func (s *Server) handleKickMember(sess *Session, p *protocol.KickPayload) error {
	userID, username := sess.Identity()

	ch, err := s.db.GetChannel(p.ServerID)
	if err != nil {
		if errors.Is(err, database.ErrChannelNotFound) {
			return s.sendError(sess, protocol.ActionKickMember, protocol.ErrCodeChannelNotFound, "Server not found")
		}
		return err
	}

	if ch.AdminUserID != userID {
		return s.sendError(sess, protocol.ActionKickMember, protocol.ErrCodePermissionDenied, "Only the admin can kick members")
	}

	target, err := s.db.GetUser(p.Username)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return s.sendError(sess, protocol.ActionKickMember, protocol.ErrCodeNotFound, "User not found")
		}
		return err
	}
	if target.ID == userID {
		return s.sendError(sess, protocol.ActionKickMember, protocol.ErrCodeInvalidInput, "Cannot kick yourself; use LEAVE_SERVER")
	}

	// The admin is the kicker, so this removal never triggers succession
	if _, err := s.db.RemoveMember(target.ID, ch.ID); err != nil {
		if errors.Is(err, database.ErrNotMember) {
			return s.sendError(sess, protocol.ActionKickMember, protocol.ErrCodeNotMember, "User is not a member of this server")
		}
		return err
	}

	if targetSess, online := s.sessions.GetByUser(target.ID); online {
		if cur := targetSess.CurrentChannel(); cur != nil && *cur == ch.ID {
			targetSess.SetCurrentChannel(nil)
		}
		s.sendEvent(targetSess, protocol.EventYouWereKicked, &protocol.KickedPayload{
			ServerID:         ch.ID,
			ServerName:       ch.Name,
			KickedByUsername: username,
		})
	}

	s.postSystemMessage(ch, fmt.Sprintf("%s was kicked by %s", target.Username, username))

	return s.sendSuccess(sess, protocol.ActionKickMember, "Member kicked", nil)
}

// ===== Session =====

func (s *Server) handlePing(sess *Session) error {
	return s.sendSuccess(sess, protocol.ActionPing, "pong", nil)
}

func (s *Server) handleDisconnect(sess *Session) error {
	s.sendSuccess(sess, protocol.ActionDisconnect, "Goodbye", nil)
	return ErrClientDisconnecting
}
