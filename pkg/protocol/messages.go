package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action identifies a client request. The set is closed: DecodeRequest rejects
// anything outside it before a handler ever runs.
type Action string

// Client → server actions.
const (
	ActionRegister         Action = "REGISTER"
	ActionLogin            Action = "LOGIN"
	ActionCreateServer     Action = "CREATE_SERVER"
	ActionJoinServer       Action = "JOIN_SERVER"
	ActionLeaveServer      Action = "LEAVE_SERVER"
	ActionEnterServer      Action = "ENTER_SERVER"
	ActionListAllServers   Action = "LIST_ALL_SERVERS"
	ActionListMyServers    Action = "LIST_MY_SERVERS"
	ActionGetServerMembers Action = "GET_SERVER_MEMBERS"
	ActionSendChatMessage  Action = "SEND_CHAT_MESSAGE"
	ActionKickMember       Action = "KICK_MEMBER"
	ActionChallengeAdmin   Action = "CHALLENGE_ADMIN"
	ActionJoinChallenge    Action = "JOIN_CHALLENGE"
	ActionAcceptChallenge  Action = "ACCEPT_CHALLENGE"
	ActionDeclineChallenge Action = "DECLINE_CHALLENGE"
	ActionPing             Action = "PING"
	ActionDisconnect       Action = "DISCONNECT"
)

// EventType identifies a server-initiated (unsolicited) event.
type EventType string

// Server → client event types.
const (
	EventUserJoined        EventType = "USER_JOINED"
	EventUserLeft          EventType = "USER_LEFT"
	EventNewChatMessage    EventType = "NEW_CHAT_MESSAGE"
	EventSystemMessage     EventType = "SYSTEM_MESSAGE"
	EventYouWereKicked     EventType = "YOU_WERE_KICKED"
	EventMinigameInvite    EventType = "MINIGAME_INVITE"
	EventChallengeResolved EventType = "CHALLENGE_RESOLVED"
	EventServerShutdown    EventType = "SERVER_SHUTDOWN"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error codes, grouped by taxonomy.
const (
	// Protocol errors (1xxx) — connection is terminated
	ErrCodeInvalidFormat = 1000
	ErrCodeUnknownAction = 1001

	// Authentication errors (2xxx)
	ErrCodeAuthRequired       = 2000
	ErrCodeInvalidCredentials = 2001
	ErrCodeAlreadyConnected   = 2002
	ErrCodeUsernameTaken      = 2003

	// Authorization errors (3xxx)
	ErrCodePermissionDenied = 3000

	// Resource errors (4xxx)
	ErrCodeNotFound        = 4000
	ErrCodeChannelNotFound = 4001

	// Validation errors (6xxx)
	ErrCodeInvalidInput       = 6000
	ErrCodeAlreadyMember      = 6001
	ErrCodeNotMember          = 6002
	ErrCodeDuplicateChallenge = 6100
	ErrCodeRosterFull         = 6101
	ErrCodeWrongState         = 6102

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
	ErrCodeDatabaseError = 9001
	ErrCodeGameLaunch    = 9002
)

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrMissingPayload = errors.New("missing payload")
)

// Request is a decoded client request. Msg holds the typed payload for the
// action, or nil for payload-free actions (PING, DISCONNECT, the list actions).
type Request struct {
	Action Action
	Msg    any
}

// requestEnvelope is the raw wire form of a request.
type requestEnvelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Typed request payloads.

// CredentialsPayload carries REGISTER and LOGIN credentials.
type CredentialsPayload struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// CreateServerPayload names a channel to create.
type CreateServerPayload struct {
	ServerName string `json:"server_name"`
}

// JoinServerPayload carries an invite code.
type JoinServerPayload struct {
	InviteCode string `json:"invite_code"`
}

// ServerIDPayload addresses a channel by id. Used by LEAVE_SERVER,
// ENTER_SERVER, GET_SERVER_MEMBERS and all challenge actions.
type ServerIDPayload struct {
	ServerID int64 `json:"server_id"`
}

// ChatPayload carries one chat message for the session's current channel.
type ChatPayload struct {
	Message string `json:"message"`
}

// KickPayload names a member to remove from a channel.
type KickPayload struct {
	ServerID int64  `json:"server_id"`
	Username string `json:"username"`
}

// DecodeRequest parses a frame payload into a typed request. The payload is
// decoded exactly once here; handlers receive concrete payload structs and
// never see raw JSON.
func DecodeRequest(data []byte) (*Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed request envelope: %w", err)
	}

	req := &Request{Action: env.Action}

	decodePayload := func(dst any) error {
		if len(env.Payload) == 0 {
			return fmt.Errorf("%w for action %s", ErrMissingPayload, env.Action)
		}
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return fmt.Errorf("malformed payload for action %s: %w", env.Action, err)
		}
		return nil
	}

	switch env.Action {
	case ActionRegister, ActionLogin:
		var p CredentialsPayload
		if err := decodePayload(&p); err != nil {
			return nil, err
		}
		req.Msg = &p

	case ActionCreateServer:
		var p CreateServerPayload
		if err := decodePayload(&p); err != nil {
			return nil, err
		}
		req.Msg = &p

	case ActionJoinServer:
		var p JoinServerPayload
		if err := decodePayload(&p); err != nil {
			return nil, err
		}
		req.Msg = &p

	case ActionLeaveServer, ActionEnterServer, ActionGetServerMembers,
		ActionChallengeAdmin, ActionJoinChallenge, ActionAcceptChallenge, ActionDeclineChallenge:
		var p ServerIDPayload
		if err := decodePayload(&p); err != nil {
			return nil, err
		}
		req.Msg = &p

	case ActionSendChatMessage:
		var p ChatPayload
		if err := decodePayload(&p); err != nil {
			return nil, err
		}
		req.Msg = &p

	case ActionKickMember:
		var p KickPayload
		if err := decodePayload(&p); err != nil {
			return nil, err
		}
		req.Msg = &p

	case ActionListAllServers, ActionListMyServers, ActionPing, ActionDisconnect:
		// No payload.

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}

	return req, nil
}

// EncodeRequest builds the wire form of a request. Used by clients and tests.
func EncodeRequest(action Action, payload any) ([]byte, error) {
	env := requestEnvelope{Action: action}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Response is the symmetric reply to a client request.
type Response struct {
	ActionResponseTo Action `json:"action_response_to"`
	Status           string `json:"status"`
	Message          string `json:"message,omitempty"`
	Code             int    `json:"code,omitempty"`
	Data             any    `json:"data,omitempty"`
}

// OK returns true when the response carries a success status.
func (r *Response) OK() bool {
	return r.Status == StatusSuccess
}

// SuccessResponse builds a success reply for the given action.
func SuccessResponse(action Action, message string, data any) *Response {
	return &Response{
		ActionResponseTo: action,
		Status:           StatusSuccess,
		Message:          message,
		Data:             data,
	}
}

// ErrorResponse builds a typed error reply for the given action.
func ErrorResponse(action Action, code int, message string) *Response {
	return &Response{
		ActionResponseTo: action,
		Status:           StatusError,
		Code:             code,
		Message:          message,
	}
}

// Encode serializes the response payload.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse parses a response payload. Used by clients and tests.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Event is a server-initiated message, distinguished from responses by its
// "type" field.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeEvent builds the wire form of an event.
func EncodeEvent(typ EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Event{Type: typ, Payload: raw})
}

// DecodeEvent parses an event payload. Used by clients and tests.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return nil, errors.New("not an event: missing type field")
	}
	return &ev, nil
}

// Typed event payloads.

// PresencePayload announces a user joining or leaving the chat system.
type PresencePayload struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessagePayload delivers one chat or system message. Also reused as the
// history entry shape in EnterServerData.
type ChatMessagePayload struct {
	MessageID      int64  `json:"message_id"`
	ServerID       int64  `json:"server_id"`
	ServerName     string `json:"server_name,omitempty"`
	SenderUserID   int64  `json:"sender_user_id"`
	SenderUsername string `json:"sender_username"`
	Message        string `json:"message"`
	Timestamp      int64  `json:"timestamp"`
}

// KickedPayload notifies a user they were removed from a channel.
type KickedPayload struct {
	ServerID         int64  `json:"server_id"`
	ServerName       string `json:"server_name"`
	KickedByUsername string `json:"kicked_by_username"`
}

// MinigameInvitePayload carries the connection parameters for a spawned game
// process and the full participant list.
type MinigameInvitePayload struct {
	ChallengeID     int64    `json:"challenge_id"`
	ServerID        int64    `json:"server_id"`
	ServerName      string   `json:"server_name"`
	MinigameIP      string   `json:"minigame_ip"`
	MinigamePort    int      `json:"minigame_port"`
	AllParticipants []string `json:"all_participants"`
}

// ChallengeResolvedPayload announces a completed challenge. WinnerUsername is
// nil when the game ended without reporting a winner.
type ChallengeResolvedPayload struct {
	ChallengeID    int64   `json:"challenge_id"`
	ServerID       int64   `json:"server_id"`
	ServerName     string  `json:"server_name"`
	WinnerUsername *string `json:"winner_username"`
}

// ShutdownPayload announces a server shutdown.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}

// Typed response data.

// AuthData identifies the authenticated user.
type AuthData struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// ServerSummary describes one channel in a listing. InviteCode is only
// populated for LIST_MY_SERVERS.
type ServerSummary struct {
	ServerID      int64  `json:"server_id"`
	Name          string `json:"name"`
	AdminUserID   int64  `json:"admin_user_id"`
	AdminUsername string `json:"admin_username"`
	InviteCode    string `json:"invite_code,omitempty"`
}

// ServerListData wraps a channel listing.
type ServerListData struct {
	Servers []ServerSummary `json:"servers"`
}

// CreateServerData confirms channel creation.
type CreateServerData struct {
	ServerID   int64  `json:"server_id"`
	ServerName string `json:"server_name"`
	AdminID    int64  `json:"admin_id"`
	InviteCode string `json:"invite_code"`
}

// EnterServerData confirms entering a channel and replays recent history.
type EnterServerData struct {
	ServerID   int64                `json:"current_server_id"`
	ServerName string               `json:"server_name"`
	Messages   []ChatMessagePayload `json:"messages"`
}

// MemberInfo describes one channel member.
type MemberInfo struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
	IsAdmin  bool   `json:"is_admin"`
}

// MemberListData wraps a member listing.
type MemberListData struct {
	ServerID   int64        `json:"server_id"`
	ServerName string       `json:"server_name"`
	Members    []MemberInfo `json:"members"`
}

// ChallengeData describes a challenge in responses.
type ChallengeData struct {
	ChallengeID  int64    `json:"challenge_id"`
	ServerID     int64    `json:"server_id"`
	ServerName   string   `json:"server_name"`
	Status       string   `json:"status"`
	Participants []string `json:"participants,omitempty"`
}
