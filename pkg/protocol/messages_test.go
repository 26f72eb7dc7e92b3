package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequestTypedPayloads(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		action Action
		check  func(t *testing.T, msg any)
	}{
		{
			name:   "register",
			data:   `{"action":"REGISTER","payload":{"username":"alice","credential":"s3cret"}}`,
			action: ActionRegister,
			check: func(t *testing.T, msg any) {
				p := msg.(*CredentialsPayload)
				assert.Equal(t, "alice", p.Username)
				assert.Equal(t, "s3cret", p.Credential)
			},
		},
		{
			name:   "create server",
			data:   `{"action":"CREATE_SERVER","payload":{"server_name":"the-arena"}}`,
			action: ActionCreateServer,
			check: func(t *testing.T, msg any) {
				assert.Equal(t, "the-arena", msg.(*CreateServerPayload).ServerName)
			},
		},
		{
			name:   "join server",
			data:   `{"action":"JOIN_SERVER","payload":{"invite_code":"deadbeef"}}`,
			action: ActionJoinServer,
			check: func(t *testing.T, msg any) {
				assert.Equal(t, "deadbeef", msg.(*JoinServerPayload).InviteCode)
			},
		},
		{
			name:   "enter server",
			data:   `{"action":"ENTER_SERVER","payload":{"server_id":42}}`,
			action: ActionEnterServer,
			check: func(t *testing.T, msg any) {
				assert.Equal(t, int64(42), msg.(*ServerIDPayload).ServerID)
			},
		},
		{
			name:   "challenge admin",
			data:   `{"action":"CHALLENGE_ADMIN","payload":{"server_id":7}}`,
			action: ActionChallengeAdmin,
			check: func(t *testing.T, msg any) {
				assert.Equal(t, int64(7), msg.(*ServerIDPayload).ServerID)
			},
		},
		{
			name:   "chat message",
			data:   `{"action":"SEND_CHAT_MESSAGE","payload":{"message":"hello"}}`,
			action: ActionSendChatMessage,
			check: func(t *testing.T, msg any) {
				assert.Equal(t, "hello", msg.(*ChatPayload).Message)
			},
		},
		{
			name:   "kick member",
			data:   `{"action":"KICK_MEMBER","payload":{"server_id":3,"username":"mallory"}}`,
			action: ActionKickMember,
			check: func(t *testing.T, msg any) {
				p := msg.(*KickPayload)
				assert.Equal(t, int64(3), p.ServerID)
				assert.Equal(t, "mallory", p.Username)
			},
		},
		{
			name:   "ping has no payload",
			data:   `{"action":"PING"}`,
			action: ActionPing,
			check: func(t *testing.T, msg any) {
				assert.Nil(t, msg)
			},
		},
		{
			name:   "list action without payload",
			data:   `{"action":"LIST_ALL_SERVERS"}`,
			action: ActionListAllServers,
			check: func(t *testing.T, msg any) {
				assert.Nil(t, msg)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.action, req.Action)
			tt.check(t, req.Msg)
		})
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `this is not json`},
		{"unknown action", `{"action":"FORMAT_DISK"}`},
		{"empty action", `{"payload":{}}`},
		{"missing payload", `{"action":"REGISTER"}`},
		{"wrong payload shape", `{"action":"ENTER_SERVER","payload":{"server_id":"not-a-number"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestDecodeRequestUnknownActionSentinel(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"action":"TELEPORT"}`))
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestEncodeRequestRoundTrip(t *testing.T) {
	data, err := EncodeRequest(ActionLogin, &CredentialsPayload{Username: "bob", Credential: "pw"})
	require.NoError(t, err)

	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, ActionLogin, req.Action)
	assert.Equal(t, "bob", req.Msg.(*CredentialsPayload).Username)
}

func TestResponseHelpers(t *testing.T) {
	ok := SuccessResponse(ActionPing, "pong", nil)
	assert.True(t, ok.OK())
	assert.Equal(t, ActionPing, ok.ActionResponseTo)

	bad := ErrorResponse(ActionLogin, ErrCodeInvalidCredentials, "nope")
	assert.False(t, bad.OK())
	assert.Equal(t, ErrCodeInvalidCredentials, bad.Code)

	data, err := bad.Encode()
	require.NoError(t, err)
	decoded, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, bad.Code, decoded.Code)
	assert.Equal(t, bad.Message, decoded.Message)
}

func TestEventRoundTrip(t *testing.T) {
	data, err := EncodeEvent(EventUserJoined, &PresencePayload{
		UserID:    9,
		Username:  "carol",
		Timestamp: 1234,
	})
	require.NoError(t, err)

	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventUserJoined, ev.Type)

	var p PresencePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "carol", p.Username)
}

func TestDecodeEventRejectsResponses(t *testing.T) {
	resp, err := SuccessResponse(ActionPing, "pong", nil).Encode()
	require.NoError(t, err)

	_, err = DecodeEvent(resp)
	require.Error(t, err, "a response has no type field and must not decode as an event")
}
