package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duelchat/duelchat/pkg/database"
	"github.com/duelchat/duelchat/pkg/game"
	"github.com/duelchat/duelchat/pkg/protocol"
)

// ---------------------------------------------------------------------------
// Server setup
// ---------------------------------------------------------------------------

// setupTestServer constructs a server manually (metrics nil, random ports) to
// avoid Prometheus registration conflicts between tests. gameScript is the
// executable spawned for accepted challenges; "" is fine for tests that never
// accept one.
func setupTestServer(t *testing.T, gameScript string) (*Server, string) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open DB: %v", err)
	}

	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.MetricsPort = 0
	cfg.GameExecutable = gameScript
	cfg.GameHost = "127.0.0.1"
	cfg.GameTimeout = 10 * time.Second

	srv := &Server{
		db:         db,
		sessions:   NewSessionManager(),
		config:     cfg,
		supervisor: game.NewSupervisor(cfg.GameExecutable, cfg.GameHost, cfg.GameTimeout, nil),
		shutdown:   make(chan struct{}),
		startTime:  time.Now(),
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, srv.listener.Addr().String()
}

// writeWinnerScript drops a game stub that declares the given winner.
func writeWinnerScript(t *testing.T, winner string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script game stubs require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "game.sh")
	script := fmt.Sprintf("#!/bin/sh\necho \"WINNER:%s\"\n", winner)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write game script: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Test client
// ---------------------------------------------------------------------------

// testClient is a minimal protocol client. Events arriving while waiting for
// a response are buffered so async broadcasts never break request/response
// assertions.
type testClient struct {
	t         *testing.T
	conn      net.Conn
	events    []*protocol.Event
	closeOnce sync.Once
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial %s: %v", addr, err)
	}
	c := &testClient{t: t, conn: conn}
	t.Cleanup(c.close)
	return c
}

func (c *testClient) close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

func (c *testClient) send(action protocol.Action, payload any) {
	c.t.Helper()
	data, err := protocol.EncodeRequest(action, payload)
	if err != nil {
		c.t.Fatalf("Encode %s: %v", action, err)
	}
	if err := protocol.EncodeFrame(c.conn, data); err != nil {
		c.t.Fatalf("Send %s: %v", action, err)
	}
}

// response reads frames until a response arrives, buffering any events.
func (c *testClient) response(action protocol.Action) *protocol.Response {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		payload, err := protocol.DecodeFrame(c.conn)
		c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			c.t.Fatalf("Waiting for %s response: %v", action, err)
		}

		if ev, err := protocol.DecodeEvent(payload); err == nil {
			c.events = append(c.events, ev)
			continue
		}

		resp, err := protocol.DecodeResponse(payload)
		if err != nil {
			c.t.Fatalf("Undecodable frame while waiting for %s: %v", action, err)
		}
		if resp.ActionResponseTo != action {
			c.t.Fatalf("Expected response to %s, got %s", action, resp.ActionResponseTo)
		}
		return resp
	}
	c.t.Fatalf("Timed out waiting for %s response", action)
	return nil
}

// do sends a request and requires a success response.
func (c *testClient) do(action protocol.Action, payload any) *protocol.Response {
	c.t.Helper()
	c.send(action, payload)
	resp := c.response(action)
	if !resp.OK() {
		c.t.Fatalf("%s failed: code=%d message=%s", action, resp.Code, resp.Message)
	}
	return resp
}

// fail sends a request and requires an error response with the given code.
func (c *testClient) fail(action protocol.Action, payload any, wantCode int) *protocol.Response {
	c.t.Helper()
	c.send(action, payload)
	resp := c.response(action)
	if resp.OK() {
		c.t.Fatalf("%s unexpectedly succeeded", action)
	}
	if resp.Code != wantCode {
		c.t.Fatalf("%s: expected error code %d, got %d (%s)", action, wantCode, resp.Code, resp.Message)
	}
	return resp
}

// event returns the next buffered or incoming event of the given type.
func (c *testClient) event(typ protocol.EventType) *protocol.Event {
	c.t.Helper()
	for i, ev := range c.events {
		if ev.Type == typ {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return ev
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		payload, err := protocol.DecodeFrame(c.conn)
		c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			c.t.Fatalf("Waiting for %s event: %v", typ, err)
		}
		ev, err := protocol.DecodeEvent(payload)
		if err != nil {
			c.t.Fatalf("Expected an event, got something else while waiting for %s", typ)
		}
		if ev.Type == typ {
			return ev
		}
		c.events = append(c.events, ev)
	}
	c.t.Fatalf("Timed out waiting for %s event", typ)
	return nil
}

func decodeData[T any](t *testing.T, resp *protocol.Response) *T {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("Re-marshal response data: %v", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Decode response data: %v", err)
	}
	return &out
}

func decodeEventPayload[T any](t *testing.T, ev *protocol.Event) *T {
	t.Helper()
	var out T
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		t.Fatalf("Decode %s payload: %v", ev.Type, err)
	}
	return &out
}

func registerUser(t *testing.T, addr, username string) *testClient {
	t.Helper()
	c := dialTestClient(t, addr)
	c.do(protocol.ActionRegister, &protocol.CredentialsPayload{Username: username, Credential: "pw-" + username})
	return c
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestRegisterAndLoginJourney(t *testing.T) {
	_, addr := setupTestServer(t, "")

	alice := dialTestClient(t, addr)
	resp := alice.do(protocol.ActionRegister, &protocol.CredentialsPayload{Username: "alice", Credential: "hunter2"})
	auth := decodeData[protocol.AuthData](t, resp)
	if auth.Username != "alice" || auth.UserID == 0 {
		t.Fatalf("Bad auth data: %+v", auth)
	}

	// Same username from a second connection
	imposter := dialTestClient(t, addr)
	imposter.fail(protocol.ActionRegister, &protocol.CredentialsPayload{Username: "alice", Credential: "other"}, protocol.ErrCodeUsernameTaken)

	// Second live session for the same user
	second := dialTestClient(t, addr)
	second.fail(protocol.ActionLogin, &protocol.CredentialsPayload{Username: "alice", Credential: "hunter2"}, protocol.ErrCodeAlreadyConnected)

	// Wrong credential
	second.fail(protocol.ActionLogin, &protocol.CredentialsPayload{Username: "alice", Credential: "wrong"}, protocol.ErrCodeInvalidCredentials)

	// First session disconnects, login becomes possible
	alice.do(protocol.ActionDisconnect, nil)
	alice.close()

	reconnect := dialTestClient(t, addr)
	deadline := time.Now().Add(5 * time.Second)
	for {
		reconnect.send(protocol.ActionLogin, &protocol.CredentialsPayload{Username: "alice", Credential: "hunter2"})
		resp := reconnect.response(protocol.ActionLogin)
		if resp.OK() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Login after disconnect never succeeded: %s", resp.Message)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	_, addr := setupTestServer(t, "")

	c := dialTestClient(t, addr)
	c.fail(protocol.ActionCreateServer, &protocol.CreateServerPayload{ServerName: "nope"}, protocol.ErrCodeAuthRequired)
	c.fail(protocol.ActionListMyServers, nil, protocol.ErrCodeAuthRequired)

	// PING works without auth
	c.do(protocol.ActionPing, nil)
}

func TestChannelLifecycleJourney(t *testing.T) {
	_, addr := setupTestServer(t, "")

	alice := registerUser(t, addr, "alice")
	bob := registerUser(t, addr, "bob")

	// Presence is system-wide: alice sees bob come online
	online := decodeEventPayload[protocol.PresencePayload](t, alice.event(protocol.EventUserJoined))
	if online.Username != "bob" {
		t.Fatalf("Expected bob in USER_JOINED, got %q", online.Username)
	}

	created := decodeData[protocol.CreateServerData](t,
		alice.do(protocol.ActionCreateServer, &protocol.CreateServerPayload{ServerName: "the-arena"}))
	if created.InviteCode == "" {
		t.Fatal("Expected an invite code")
	}

	// Bad invite code
	bob.fail(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: "00000000"}, protocol.ErrCodeChannelNotFound)

	bob.do(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: created.InviteCode})

	// The join is announced to channel members as a system message
	notice := decodeEventPayload[protocol.ChatMessagePayload](t, alice.event(protocol.EventSystemMessage))
	if notice.SenderUsername != database.SystemUsername {
		t.Fatalf("Expected SYSTEM author for join notice, got %q", notice.SenderUsername)
	}

	// Double join
	bob.fail(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: created.InviteCode}, protocol.ErrCodeAlreadyMember)

	// Both enter; bob's history includes the join system message
	alice.do(protocol.ActionEnterServer, &protocol.ServerIDPayload{ServerID: created.ServerID})
	entered := decodeData[protocol.EnterServerData](t,
		bob.do(protocol.ActionEnterServer, &protocol.ServerIDPayload{ServerID: created.ServerID}))
	if len(entered.Messages) == 0 {
		t.Fatal("Expected history to contain the join notice")
	}
	if entered.Messages[0].SenderUsername != database.SystemUsername {
		t.Errorf("Expected SYSTEM author in history, got %q", entered.Messages[0].SenderUsername)
	}

	// Chat flows from bob to alice
	bob.do(protocol.ActionSendChatMessage, &protocol.ChatPayload{Message: "hello arena"})
	chat := decodeEventPayload[protocol.ChatMessagePayload](t, alice.event(protocol.EventNewChatMessage))
	if chat.Message != "hello arena" || chat.SenderUsername != "bob" {
		t.Fatalf("Bad chat event: %+v", chat)
	}

	// The author gets the same broadcast, with the persisted id and timestamp
	echo := decodeEventPayload[protocol.ChatMessagePayload](t, bob.event(protocol.EventNewChatMessage))
	if echo.Message != "hello arena" || echo.SenderUsername != "bob" {
		t.Fatalf("Bad chat echo to author: %+v", echo)
	}
	if echo.MessageID == 0 {
		t.Error("Expected a persisted message id in the author's chat event")
	}

	// Member listing with flags
	members := decodeData[protocol.MemberListData](t,
		bob.do(protocol.ActionGetServerMembers, &protocol.ServerIDPayload{ServerID: created.ServerID}))
	if len(members.Members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members.Members))
	}
	for _, m := range members.Members {
		if !m.IsOnline {
			t.Errorf("%s should be online", m.Username)
		}
		if m.IsAdmin != (m.Username == "alice") {
			t.Errorf("%s admin flag wrong", m.Username)
		}
	}

	// Listings
	all := decodeData[protocol.ServerListData](t, bob.do(protocol.ActionListAllServers, nil))
	if len(all.Servers) != 1 || all.Servers[0].InviteCode != "" {
		t.Fatalf("LIST_ALL_SERVERS must not leak invite codes: %+v", all.Servers)
	}
	mine := decodeData[protocol.ServerListData](t, bob.do(protocol.ActionListMyServers, nil))
	if len(mine.Servers) != 1 || mine.Servers[0].InviteCode != created.InviteCode {
		t.Fatalf("LIST_MY_SERVERS should include the invite code: %+v", mine.Servers)
	}

	// Going offline is announced system-wide
	bob.do(protocol.ActionDisconnect, nil)
	offline := decodeEventPayload[protocol.PresencePayload](t, alice.event(protocol.EventUserLeft))
	if offline.Username != "bob" {
		t.Fatalf("Expected bob in USER_LEFT, got %q", offline.Username)
	}
}

func TestSendChatRequiresEnteredChannel(t *testing.T) {
	_, addr := setupTestServer(t, "")

	alice := registerUser(t, addr, "alice")
	alice.do(protocol.ActionCreateServer, &protocol.CreateServerPayload{ServerName: "room"})

	// Created but never entered
	alice.fail(protocol.ActionSendChatMessage, &protocol.ChatPayload{Message: "hi"}, protocol.ErrCodeInvalidInput)
}

func TestAdminSuccessionOnLeave(t *testing.T) {
	_, addr := setupTestServer(t, "")

	alice := registerUser(t, addr, "alice")
	bob := registerUser(t, addr, "bob")
	carol := registerUser(t, addr, "carol")

	created := decodeData[protocol.CreateServerData](t,
		alice.do(protocol.ActionCreateServer, &protocol.CreateServerPayload{ServerName: "throne-room"}))
	bob.do(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: created.InviteCode})
	carol.do(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: created.InviteCode})

	alice.do(protocol.ActionLeaveServer, &protocol.ServerIDPayload{ServerID: created.ServerID})

	members := decodeData[protocol.MemberListData](t,
		bob.do(protocol.ActionGetServerMembers, &protocol.ServerIDPayload{ServerID: created.ServerID}))
	if len(members.Members) != 2 {
		t.Fatalf("Expected 2 members after alice left, got %d", len(members.Members))
	}
	for _, m := range members.Members {
		if m.IsAdmin != (m.Username == "bob") {
			t.Errorf("Longest-standing member bob should be admin, flags: %+v", members.Members)
		}
	}

	// Leaving a server you never joined
	alice.fail(protocol.ActionLeaveServer, &protocol.ServerIDPayload{ServerID: created.ServerID}, protocol.ErrCodeNotMember)
}

func TestKickJourney(t *testing.T) {
	_, addr := setupTestServer(t, "")

	alice := registerUser(t, addr, "alice")
	bob := registerUser(t, addr, "bob")

	created := decodeData[protocol.CreateServerData](t,
		alice.do(protocol.ActionCreateServer, &protocol.CreateServerPayload{ServerName: "room"}))
	bob.do(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: created.InviteCode})
	bob.do(protocol.ActionEnterServer, &protocol.ServerIDPayload{ServerID: created.ServerID})

	// Non-admin cannot kick
	bob.fail(protocol.ActionKickMember, &protocol.KickPayload{ServerID: created.ServerID, Username: "alice"}, protocol.ErrCodePermissionDenied)

	alice.do(protocol.ActionKickMember, &protocol.KickPayload{ServerID: created.ServerID, Username: "bob"})

	kicked := decodeEventPayload[protocol.KickedPayload](t, bob.event(protocol.EventYouWereKicked))
	if kicked.KickedByUsername != "alice" || kicked.ServerID != created.ServerID {
		t.Fatalf("Bad kick payload: %+v", kicked)
	}

	// Kicked member can no longer chat there
	bob.fail(protocol.ActionSendChatMessage, &protocol.ChatPayload{Message: "let me back in"}, protocol.ErrCodeInvalidInput)

	// Admin cannot kick themselves
	alice.fail(protocol.ActionKickMember, &protocol.KickPayload{ServerID: created.ServerID, Username: "alice"}, protocol.ErrCodeInvalidInput)
}

func TestChallengeDuelJourney(t *testing.T) {
	script := writeWinnerScript(t, "bob")
	_, addr := setupTestServer(t, script)

	alice := registerUser(t, addr, "alice")
	bob := registerUser(t, addr, "bob")
	carol := registerUser(t, addr, "carol")

	created := decodeData[protocol.CreateServerData](t,
		alice.do(protocol.ActionCreateServer, &protocol.CreateServerPayload{ServerName: "colosseum"}))
	bob.do(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: created.InviteCode})
	carol.do(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: created.InviteCode})

	serverID := &protocol.ServerIDPayload{ServerID: created.ServerID}

	// Admin cannot challenge themselves
	alice.fail(protocol.ActionChallengeAdmin, serverID, protocol.ErrCodeInvalidInput)

	challenge := decodeData[protocol.ChallengeData](t, bob.do(protocol.ActionChallengeAdmin, serverID))
	if challenge.Status != database.ChallengePending {
		t.Fatalf("Expected pending challenge, got %q", challenge.Status)
	}

	// Duel lifecycle notices carry the DUEL_NOTICE author, not SYSTEM
	issued := decodeEventPayload[protocol.ChatMessagePayload](t, alice.event(protocol.EventSystemMessage))
	if issued.SenderUsername != database.DuelNoticeUsername {
		t.Fatalf("Expected DUEL_NOTICE author for challenge notice, got %q", issued.SenderUsername)
	}
	if len(challenge.Participants) != 2 {
		t.Fatalf("Expected challenger and defender on the roster, got %v", challenge.Participants)
	}

	// Second challenge while one is active
	carol.fail(protocol.ActionChallengeAdmin, serverID, protocol.ErrCodeDuplicateChallenge)

	// Carol joins the open roster
	joined := decodeData[protocol.ChallengeData](t, carol.do(protocol.ActionJoinChallenge, serverID))
	if len(joined.Participants) != 3 {
		t.Fatalf("Expected 3 participants, got %v", joined.Participants)
	}

	// Only the defender may accept
	bob.fail(protocol.ActionAcceptChallenge, serverID, protocol.ErrCodePermissionDenied)

	accepted := decodeData[protocol.ChallengeData](t, alice.do(protocol.ActionAcceptChallenge, serverID))
	if accepted.Status != database.ChallengeInProgress {
		t.Fatalf("Expected in_progress, got %q", accepted.Status)
	}

	// All participants receive the invite
	for name, c := range map[string]*testClient{"alice": alice, "bob": bob, "carol": carol} {
		invite := decodeEventPayload[protocol.MinigameInvitePayload](t, c.event(protocol.EventMinigameInvite))
		if invite.MinigamePort == 0 || invite.MinigameIP == "" {
			t.Fatalf("%s: invite missing connection params: %+v", name, invite)
		}
		if len(invite.AllParticipants) != 3 {
			t.Fatalf("%s: expected 3 participants in invite, got %v", name, invite.AllParticipants)
		}
	}

	// Game stub declares bob the winner
	resolved := decodeEventPayload[protocol.ChallengeResolvedPayload](t, carol.event(protocol.EventChallengeResolved))
	if resolved.WinnerUsername == nil || *resolved.WinnerUsername != "bob" {
		t.Fatalf("Expected bob to win, got %+v", resolved.WinnerUsername)
	}

	// The throne changed hands
	members := decodeData[protocol.MemberListData](t, carol.do(protocol.ActionGetServerMembers, serverID))
	for _, m := range members.Members {
		if m.IsAdmin != (m.Username == "bob") {
			t.Errorf("Expected bob as admin after the duel, flags: %+v", members.Members)
		}
	}

	// The slot is free again
	carol.do(protocol.ActionChallengeAdmin, serverID)
}

func TestChallengeDeclineJourney(t *testing.T) {
	_, addr := setupTestServer(t, "")

	alice := registerUser(t, addr, "alice")
	bob := registerUser(t, addr, "bob")

	created := decodeData[protocol.CreateServerData](t,
		alice.do(protocol.ActionCreateServer, &protocol.CreateServerPayload{ServerName: "room"}))
	bob.do(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: created.InviteCode})

	serverID := &protocol.ServerIDPayload{ServerID: created.ServerID}
	bob.do(protocol.ActionChallengeAdmin, serverID)

	// Only the defender may decline
	bob.fail(protocol.ActionDeclineChallenge, serverID, protocol.ErrCodePermissionDenied)

	alice.do(protocol.ActionDeclineChallenge, serverID)

	// Nothing to decline anymore
	alice.fail(protocol.ActionDeclineChallenge, serverID, protocol.ErrCodeNotFound)

	// And a new challenge can be issued
	bob.do(protocol.ActionChallengeAdmin, serverID)
}

func TestChallengeSpawnFailureRevertsToPending(t *testing.T) {
	_, addr := setupTestServer(t, "/nonexistent/game-binary")

	alice := registerUser(t, addr, "alice")
	bob := registerUser(t, addr, "bob")

	created := decodeData[protocol.CreateServerData](t,
		alice.do(protocol.ActionCreateServer, &protocol.CreateServerPayload{ServerName: "room"}))
	bob.do(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: created.InviteCode})

	serverID := &protocol.ServerIDPayload{ServerID: created.ServerID}
	bob.do(protocol.ActionChallengeAdmin, serverID)

	alice.fail(protocol.ActionAcceptChallenge, serverID, protocol.ErrCodeGameLaunch)

	// Challenge fell back to pending and remains acceptable (still failing
	// only because the binary is missing, not because of state)
	alice.fail(protocol.ActionAcceptChallenge, serverID, protocol.ErrCodeGameLaunch)
}

// ---------------------------------------------------------------------------
// Protocol edge cases
// ---------------------------------------------------------------------------

func TestOversizedFrameTerminatesConnection(t *testing.T) {
	_, addr := setupTestServer(t, "")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Length prefix beyond the ceiling; the payload never follows
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, protocol.MaxFrameSize+1)
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.DecodeFrame(conn); err == nil {
		t.Fatal("Expected the server to drop the connection")
	}
}

func TestMalformedRequestTerminatesConnection(t *testing.T) {
	_, addr := setupTestServer(t, "")

	c := dialTestClient(t, addr)
	if err := protocol.EncodeFrame(c.conn, []byte("not json at all")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	resp := c.response("")
	if resp.OK() || resp.Code != protocol.ErrCodeInvalidFormat {
		t.Fatalf("Expected error %d, got %+v", protocol.ErrCodeInvalidFormat, resp)
	}

	// Connection is closed after the error report
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.DecodeFrame(c.conn); err == nil {
		t.Fatal("Expected the server to drop the connection")
	}
}

func TestUnknownActionTerminatesConnection(t *testing.T) {
	_, addr := setupTestServer(t, "")

	c := dialTestClient(t, addr)
	if err := protocol.EncodeFrame(c.conn, []byte(`{"action":"SELF_DESTRUCT"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	resp := c.response("")
	if resp.OK() || resp.Code != protocol.ErrCodeUnknownAction {
		t.Fatalf("Expected error %d, got %+v", protocol.ErrCodeUnknownAction, resp)
	}
}

// ---------------------------------------------------------------------------
// WebSocket transport
// ---------------------------------------------------------------------------

func TestWebSocketTransport(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	wsListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("WS listen: %v", err)
	}
	wsServer := &http.Server{Handler: mux}
	go wsServer.Serve(wsListener)
	t.Cleanup(func() { wsServer.Close() })

	url := fmt.Sprintf("ws://%s/ws", wsListener.Addr())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WS dial: %v", err)
	}
	defer ws.Close()

	// One framed request per binary message
	reqData, err := protocol.EncodeRequest(protocol.ActionRegister, &protocol.CredentialsPayload{
		Username:   "wendy",
		Credential: "websocket",
	})
	if err != nil {
		t.Fatalf("Encode request: %v", err)
	}
	var framed bytes.Buffer
	if err := protocol.EncodeFrame(&framed, reqData); err != nil {
		t.Fatalf("Frame request: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, framed.Bytes()); err != nil {
		t.Fatalf("WS write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("WS read: %v", err)
	}

	payload, err := protocol.DecodeFrame(bytes.NewReader(msg))
	if err != nil {
		t.Fatalf("Unframe response: %v", err)
	}
	resp, err := protocol.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("Register over WebSocket failed: %+v", resp)
	}
}

func TestStopKeepsListenerAddr(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open DB: %v", err)
	}

	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.MetricsPort = 0

	srv := &Server{
		db:         db,
		sessions:   NewSessionManager(),
		config:     cfg,
		supervisor: game.NewSupervisor(cfg.GameExecutable, cfg.GameHost, cfg.GameTimeout, nil),
		shutdown:   make(chan struct{}),
		startTime:  time.Now(),
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := srv.Addr()
	if addr == nil {
		t.Fatal("Addr returned nil on a running server")
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The bound address stays readable after shutdown
	if got := srv.Addr(); got == nil || got.String() != addr.String() {
		t.Errorf("Addr after Stop = %v, want %v", got, addr)
	}
}
