package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duelchat/duelchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

var usernameFragments = []string{
	"swift", "iron", "ember", "frost", "raven", "drift", "stone", "night",
	"azure", "cinder", "gale", "thorn", "vale", "wisp", "flint", "mire",
}

// generateUsername combines two random fragments plus a numeric suffix so
// thousands of bots can register without collisions.
func generateUsername() string {
	a := usernameFragments[rand.Intn(len(usernameFragments))]
	b := usernameFragments[rand.Intn(len(usernameFragments))]
	name := fmt.Sprintf("%s%s%d", a, b, rand.Intn(10000))
	if len(name) > 20 {
		name = name[:20]
	}
	return name
}

// getCPULoad returns the 1-minute load average.
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	timeouts       atomic.Int64
	disconnections atomic.Int64

	// Setup failure breakdown
	setupRegisterFailed atomic.Int64
	setupJoinFailed     atomic.Int64
	setupEnterFailed    atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordFailure() {
	s.messagesFailed.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

// BotClient is a fake chat user for load testing. Events pushed by the server
// (presence, chat broadcasts) are drained and discarded while waiting for
// responses.
type BotClient struct {
	id       int
	username string
	conn     net.Conn
	stats    *Stats
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		return nil, err
	}
	return &BotClient{
		id:       id,
		username: generateUsername(),
		conn:     conn,
		stats:    stats,
	}, nil
}

func (bc *BotClient) send(action protocol.Action, payload any) error {
	data, err := protocol.EncodeRequest(action, payload)
	if err != nil {
		return err
	}
	return protocol.EncodeFrame(bc.conn, data)
}

// response reads frames until a response arrives, discarding events.
func (bc *BotClient) response(timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		bc.conn.SetReadDeadline(deadline)
		payload, err := protocol.DecodeFrame(bc.conn)
		if err != nil {
			return nil, err
		}
		if _, err := protocol.DecodeEvent(payload); err == nil {
			continue
		}
		return protocol.DecodeResponse(payload)
	}
	return nil, fmt.Errorf("timed out waiting for response")
}

// do sends a request and waits for its response.
func (bc *BotClient) do(action protocol.Action, payload any) (*protocol.Response, error) {
	if err := bc.send(action, payload); err != nil {
		return nil, err
	}
	resp, err := bc.response(10 * time.Second)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, fmt.Errorf("%s failed (code %d): %s", action, resp.Code, resp.Message)
	}
	return resp, nil
}

// Setup registers the bot, joins the shared channel and enters it.
func (bc *BotClient) Setup(inviteCode string) error {
	if _, err := bc.do(protocol.ActionRegister, &protocol.CredentialsPayload{
		Username:   bc.username,
		Credential: "loadtest",
	}); err != nil {
		bc.stats.setupRegisterFailed.Add(1)
		return fmt.Errorf("register: %w", err)
	}

	resp, err := bc.do(protocol.ActionJoinServer, &protocol.JoinServerPayload{InviteCode: inviteCode})
	if err != nil {
		bc.stats.setupJoinFailed.Add(1)
		return fmt.Errorf("join server: %w", err)
	}

	var summary protocol.ServerSummary
	if raw, err := json.Marshal(resp.Data); err == nil {
		json.Unmarshal(raw, &summary)
	}

	if _, err := bc.do(protocol.ActionEnterServer, &protocol.ServerIDPayload{ServerID: summary.ServerID}); err != nil {
		bc.stats.setupEnterFailed.Add(1)
		return fmt.Errorf("enter server: %w", err)
	}

	return nil
}

func (bc *BotClient) PostRandomMessage() error {
	// Random message content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	var words []string
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	content := strings.Join(words, " ")

	start := time.Now()
	if err := bc.send(protocol.ActionSendChatMessage, &protocol.ChatPayload{Message: content}); err != nil {
		if strings.Contains(err.Error(), "broken pipe") ||
			strings.Contains(err.Error(), "connection reset") ||
			strings.Contains(err.Error(), "EOF") {
			bc.stats.recordDisconnection()
		} else {
			bc.stats.recordFailure()
		}
		return err
	}

	resp, err := bc.response(10 * time.Second)
	if err != nil {
		bc.stats.recordTimeout()
		return fmt.Errorf("receive chat response: %w", err)
	}
	if !resp.OK() {
		bc.stats.recordFailure()
		return fmt.Errorf("chat failed with code %d: %s", resp.Code, resp.Message)
	}

	bc.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, disconnectTimes chan<- time.Time) {
	defer func() {
		bc.send(protocol.ActionDisconnect, nil)
		time.Sleep(100 * time.Millisecond)
		bc.conn.Close()

		select {
		case disconnectTimes <- time.Now():
		default:
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)

	for time.Now().Before(endTime) {
		if err := bc.PostRandomMessage(); err != nil {
			// Only the stats care
		}

		delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)))
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

func initLogging() error {
	// Truncate on each run to avoid confusion
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	return nil
}

// seedChannel registers a host user, creates the shared channel and returns
// its invite code. The host connection stays open so the channel survives.
func seedChannel(serverAddr string, stats *Stats) (string, *BotClient, error) {
	host, err := NewBotClient(-1, serverAddr, stats)
	if err != nil {
		return "", nil, err
	}

	if _, err := host.do(protocol.ActionRegister, &protocol.CredentialsPayload{
		Username:   host.username,
		Credential: "loadtest",
	}); err != nil {
		host.conn.Close()
		return "", nil, fmt.Errorf("register host: %w", err)
	}

	resp, err := host.do(protocol.ActionCreateServer, &protocol.CreateServerPayload{
		ServerName: fmt.Sprintf("loadtest-%d", time.Now().Unix()),
	})
	if err != nil {
		host.conn.Close()
		return "", nil, fmt.Errorf("create server: %w", err)
	}

	var created protocol.CreateServerData
	raw, err := json.Marshal(resp.Data)
	if err == nil {
		err = json.Unmarshal(raw, &created)
	}
	if err != nil || created.InviteCode == "" {
		host.conn.Close()
		return "", nil, fmt.Errorf("could not read invite code from create response")
	}

	return created.InviteCode, host, nil
}

func main() {
	serverAddr := flag.String("server", "localhost:7420", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")

	stats := &Stats{}

	inviteCode, host, err := seedChannel(*serverAddr, stats)
	if err != nil {
		log.Fatalf("Failed to seed the shared channel: %v", err)
	}
	defer host.conn.Close()
	log.Printf("Shared channel created by %s (invite %s)", host.username, inviteCode)

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	var wg sync.WaitGroup

	// Stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(posted) / elapsed
				avgMs := avgUs / 1000.0
				load := getCPULoad()
				goroutines := runtime.NumGoroutine()

				log.Printf("Stats: %d posted (%.1f/s), %d failed, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					posted, rate, failed, connErrors, avgMs, load, goroutines)
			case <-stopStats:
				return
			}
		}
	}()

	disconnectTimes := make(chan time.Time, *numClients)

	// Spawn clients
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}

			if err := bot.Setup(inviteCode); err != nil {
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}

			stats.successfulClients.Add(1)

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.username)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, disconnectTimes)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	// Graceful shutdown on signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("\nShutdown signal received, stopping test...")
		close(stopStats)
	}()

	wg.Wait()
	select {
	case <-stopStats:
	default:
		close(stopStats)
	}
	close(disconnectTimes)

	// Final results
	posted, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	rate := float64(posted) / (*duration).Seconds()
	avgMs := avgUs / 1000.0

	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(*duration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(successfulClients)
	efficiency := 0.0
	if expectedTotal > 0 {
		efficiency = float64(posted) / expectedTotal * 100
	}

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages posted: %d (%.1f/s)", posted, rate)
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  Setup phase breakdown:")
		log.Printf("    - Register failed: %d", stats.setupRegisterFailed.Load())
		log.Printf("    - Join failed: %d", stats.setupJoinFailed.Load())
		log.Printf("    - Enter failed: %d", stats.setupEnterFailed.Load())
	}
	log.Printf("Average response time: %.2fms", avgMs)
	log.Printf("Expected throughput: %.0f messages (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", efficiency)

	if posted > 0 {
		successRate := float64(posted) / float64(posted+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}
