package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duelchat/duelchat/pkg/database"
	"github.com/duelchat/duelchat/pkg/game"
	"github.com/duelchat/duelchat/pkg/protocol"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// ErrClientDisconnecting signals a graceful client disconnect to the message
// loop.
var ErrClientDisconnecting = errors.New("client disconnecting")

// Server represents the DuelChat server.
type Server struct {
	db         *database.DB
	listener   net.Listener
	sessions   *SessionManager
	config     ServerConfig
	supervisor *game.Supervisor
	shutdown   chan struct{}
	wg         sync.WaitGroup
	metrics    *Metrics
	startTime  time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a new server instance.
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initLoggers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}
	game.SetLoggers(errorLog, debugLog)

	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	supervisor := game.NewSupervisor(config.GameExecutable, config.GameHost, config.GameTimeout, nil)

	return &Server{
		db:         db,
		sessions:   sessions,
		config:     config,
		supervisor: supervisor,
		shutdown:   make(chan struct{}),
		metrics:    metrics,
		startTime:  time.Now(),
	}, nil
}

// SetResultParser swaps the game output parser. Must be called before Start.
func (s *Server) SetResultParser(parser game.ResultParser) {
	s.supervisor = game.NewSupervisor(s.config.GameExecutable, s.config.GameHost, s.config.GameTimeout, parser)
}

// getServerDataDir returns the server data directory, creating it if needed.
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "duelchat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "duelchat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers.
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker, for distinguishing between runs
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Redirect standard log to stdout and server.log. Truncate server.log on
	// startup to avoid confusion from multiple runs.
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log.
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	game.SetLoggers(errorLog, debugLog)
	debugLog.Println("Debug logging enabled")
}

// Start starts the TCP listener and the background loops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	// Internal metrics server - never expose publicly
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			metricsMux.HandleFunc("/health", s.HealthHandler)
			metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Public HTTP server for the WebSocket transport
	if s.config.HTTPPort > 0 {
		go func() {
			publicMux := http.NewServeMux()
			publicMux.HandleFunc("/ws", s.HandleWebSocket)
			httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
			log.Printf("Public HTTP server listening on %s (/ws)", httpAddr)
			if err := http.ListenAndServe(httpAddr, publicMux); err != nil {
				log.Printf("Public HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.sessionCleanupLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the address the TCP listener is bound to.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	// Closing is enough to unblock the accept loop; nilling the field here
	// would race with acceptLoop and Addr.
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}

	log.Println("Notifying connected clients of shutdown...")
	s.notifyClientsOfShutdown()

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// notifyClientsOfShutdown sends a SERVER_SHUTDOWN event to all connected
// clients (best effort).
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.GetAllSessions()
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	payload, err := protocol.EncodeEvent(protocol.EventServerShutdown, &protocol.ShutdownPayload{
		Reason: "Server shutting down for maintenance",
	})
	if err != nil {
		log.Printf("Failed to encode shutdown event: %v", err)
		return
	}

	sent := 0
	for _, sess := range sessions {
		if err := sess.Conn.WritePayload(payload); err == nil {
			sent++
		}
	}

	log.Printf("Shutdown notification sent to %d/%d sessions", sent, len(sessions))
}

// acceptLoop accepts incoming connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection sets up a session for a new connection and runs its
// message loop.
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(NewSafeConn(conn), time.Now().UnixMilli())
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d)", conn.RemoteAddr(), sess.ID)

	s.messageLoop(sess, conn)
}

// messageLoop reads and dispatches requests for an established connection.
func (s *Server) messageLoop(sess *Session, conn net.Conn) {
	defer conn.Close()
	defer s.removeSession(sess.ID)

	for {
		payload, err := sess.Conn.ReadPayload()
		if err != nil {
			_, exists := s.sessions.GetSession(sess.ID)
			s.removeSession(sess.ID)

			if exists {
				s.disconnectionsSinceReport.Add(1)
				switch {
				case err == io.EOF:
					debugLog.Printf("Session %d: Client disconnected (message loop read)", sess.ID)
				case errors.Is(err, protocol.ErrFrameTooLarge):
					errorLog.Printf("Session %d: Oversized frame, terminating connection", sess.ID)
				default:
					debugLog.Printf("Session %d: Message loop read error: %v", sess.ID, err)
				}
			}
			return
		}

		sess.Touch(time.Now().UnixMilli())

		req, err := protocol.DecodeRequest(payload)
		if err != nil {
			// Protocol errors are unrecoverable: report and terminate
			code := protocol.ErrCodeInvalidFormat
			if errors.Is(err, protocol.ErrUnknownAction) {
				code = protocol.ErrCodeUnknownAction
			}
			debugLog.Printf("Session %d: Rejecting malformed request: %v", sess.ID, err)
			s.sendError(sess, "", code, err.Error())
			s.disconnectionsSinceReport.Add(1)
			return
		}

		debugLog.Printf("Session %d ← RECV: %s", sess.ID, req.Action)
		if s.metrics != nil {
			s.metrics.RecordRequestReceived(string(req.Action))
		}

		if err := s.handleRequest(sess, req); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				s.disconnectionsSinceReport.Add(1)
				debugLog.Printf("Session %d disconnected gracefully", sess.ID)
				return
			}
			errorLog.Printf("Session %d: %s failed: %v", sess.ID, req.Action, err)
			s.sendError(sess, req.Action, protocol.ErrCodeInternalError, "Internal error")
		}
	}
}

// handleRequest dispatches a decoded request to its handler. Only REGISTER,
// LOGIN, PING and DISCONNECT are allowed before authentication.
func (s *Server) handleRequest(sess *Session, req *protocol.Request) error {
	switch req.Action {
	case protocol.ActionRegister:
		return s.handleRegister(sess, req.Msg.(*protocol.CredentialsPayload))
	case protocol.ActionLogin:
		return s.handleLogin(sess, req.Msg.(*protocol.CredentialsPayload))
	case protocol.ActionPing:
		return s.handlePing(sess)
	case protocol.ActionDisconnect:
		return s.handleDisconnect(sess)
	}

	if !sess.Authenticated() {
		return s.sendError(sess, req.Action, protocol.ErrCodeAuthRequired, "Authentication required")
	}

	switch req.Action {
	case protocol.ActionCreateServer:
		return s.handleCreateServer(sess, req.Msg.(*protocol.CreateServerPayload))
	case protocol.ActionJoinServer:
		return s.handleJoinServer(sess, req.Msg.(*protocol.JoinServerPayload))
	case protocol.ActionLeaveServer:
		return s.handleLeaveServer(sess, req.Msg.(*protocol.ServerIDPayload))
	case protocol.ActionEnterServer:
		return s.handleEnterServer(sess, req.Msg.(*protocol.ServerIDPayload))
	case protocol.ActionListAllServers:
		return s.handleListAllServers(sess)
	case protocol.ActionListMyServers:
		return s.handleListMyServers(sess)
	case protocol.ActionGetServerMembers:
		return s.handleGetServerMembers(sess, req.Msg.(*protocol.ServerIDPayload))
	case protocol.ActionSendChatMessage:
		return s.handleSendChatMessage(sess, req.Msg.(*protocol.ChatPayload))
	case protocol.ActionKickMember:
		return s.handleKickMember(sess, req.Msg.(*protocol.KickPayload))
	case protocol.ActionChallengeAdmin:
		return s.handleChallengeAdmin(sess, req.Msg.(*protocol.ServerIDPayload))
	case protocol.ActionJoinChallenge:
		return s.handleJoinChallenge(sess, req.Msg.(*protocol.ServerIDPayload))
	case protocol.ActionAcceptChallenge:
		return s.handleAcceptChallenge(sess, req.Msg.(*protocol.ServerIDPayload))
	case protocol.ActionDeclineChallenge:
		return s.handleDeclineChallenge(sess, req.Msg.(*protocol.ServerIDPayload))
	default:
		// DecodeRequest guarantees a known action, so this is unreachable
		return s.sendError(sess, req.Action, protocol.ErrCodeUnknownAction, "Unsupported action")
	}
}

// removeSession drops a session and announces the user going offline.
func (s *Server) removeSession(sessionID uint64) {
	sess, ok := s.sessions.GetSession(sessionID)
	if !ok {
		return
	}

	userID, username := sess.Identity()

	s.sessions.RemoveSession(sessionID)

	if userID != 0 {
		s.broadcastPresence(protocol.EventUserLeft, userID, username, time.Now())
	}
}

// HealthHandler reports basic liveness for the internal HTTP listener.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok\nuptime: %s\nsessions: %d\nonline users: %d\n",
		time.Since(s.startTime).Round(time.Second),
		s.sessions.CountSessions(),
		s.sessions.CountOnlineUsers())
}

// metricsLoggingLoop periodically logs key metrics.
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Active sessions: %d, online users: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.sessions.CountSessions(), s.sessions.CountOnlineUsers(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}

// sessionCleanupLoop periodically closes idle sessions.
func (s *Server) sessionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupStaleSessions()
		}
	}
}

// cleanupStaleSessions removes sessions that have been inactive longer than
// the session timeout.
func (s *Server) cleanupStaleSessions() {
	cutoff := time.Now().Add(-s.config.SessionTimeout).UnixMilli()

	for _, sess := range s.sessions.GetAllSessions() {
		if sess.LastActivity() < cutoff {
			s.disconnectionsSinceReport.Add(1)
			debugLog.Printf("Closing stale session %d (inactive for %v)", sess.ID, s.config.SessionTimeout)
			s.removeSession(sess.ID)
			// Unblock the session's read loop
			sess.Conn.Close()
		}
	}
}
