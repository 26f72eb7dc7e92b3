// Package game launches and supervises duel game processes. A duel runs as an
// external executable; the supervisor watches its stdout for a winner
// declaration and reports the outcome exactly once.
package game

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// SetLoggers overrides the package loggers. The server wires its own in so
// game output and chat traffic land in the same files.
func SetLoggers(errLog, dbgLog *log.Logger) {
	if errLog != nil {
		errorLog = errLog
	}
	if dbgLog != nil {
		debugLog = dbgLog
	}
}

// ResultParser extracts a winner declaration from one line of game output.
type ResultParser interface {
	// ParseLine returns the winner's username and true if the line declares a
	// winner, or "" and false otherwise.
	ParseLine(line string) (string, bool)
}

// SentinelParser recognizes lines of the form "<prefix><username>", e.g.
// "WINNER:alice". Leading and trailing whitespace around the line is ignored;
// an empty username after the prefix is not a declaration.
type SentinelParser struct {
	Prefix string
}

// DefaultSentinel is the winner declaration prefix game executables emit.
const DefaultSentinel = "WINNER:"

// maxOutputLine caps a single line of game stdout.
const maxOutputLine = 1024 * 1024

// NewSentinelParser returns a parser for the standard "WINNER:" sentinel.
func NewSentinelParser() *SentinelParser {
	return &SentinelParser{Prefix: DefaultSentinel}
}

func (p *SentinelParser) ParseLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, p.Prefix) {
		return "", false
	}
	winner := strings.TrimSpace(strings.TrimPrefix(line, p.Prefix))
	if winner == "" {
		return "", false
	}
	return winner, true
}

// Result is the outcome of one supervised game process.
type Result struct {
	ChallengeID int64
	Winner      string // empty when the process exited without declaring one
	TimedOut    bool
	Err         error // process error, nil on a clean exit
}

// Supervisor launches game processes and reports their outcomes.
type Supervisor struct {
	command string
	host    string
	timeout time.Duration
	parser  ResultParser
}

// NewSupervisor creates a supervisor for the given game executable. host is
// the address clients are told to connect to. A zero timeout means games may
// run forever.
func NewSupervisor(command, host string, timeout time.Duration, parser ResultParser) *Supervisor {
	if parser == nil {
		parser = NewSentinelParser()
	}
	return &Supervisor{
		command: command,
		host:    host,
		timeout: timeout,
		parser:  parser,
	}
}

// Host returns the address clients should connect to for games.
func (s *Supervisor) Host() string { return s.host }

// FreePort asks the kernel for an unused TCP port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Launch starts a game process for the challenge and returns a channel that
// delivers exactly one Result when the game ends. If the process cannot be
// started no goroutine is spawned and the error is returned directly, so the
// caller can roll the challenge back.
//
// The executable is invoked as:
//
//	<command> --port <port> --players <name1,name2,...>
//
// and is expected to print "WINNER:<username>" (or whatever the configured
// parser recognizes) on stdout when a winner is decided.
func (s *Supervisor) Launch(challengeID int64, port int, participants []string) (<-chan Result, error) {
	cmd := exec.Command(s.command,
		"--port", strconv.Itoa(port),
		"--players", strings.Join(participants, ","),
	)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open game stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start game process: %w", err)
	}
	debugLog.Printf("Challenge %d: game process started (pid %d, port %d, %d players)",
		challengeID, cmd.Process.Pid, port, len(participants))

	results := make(chan Result, 1)

	var timer *time.Timer
	timedOut := make(chan struct{})
	if s.timeout > 0 {
		timer = time.AfterFunc(s.timeout, func() {
			close(timedOut)
			errorLog.Printf("Challenge %d: game exceeded %s, killing pid %d", challengeID, s.timeout, cmd.Process.Pid)
			cmd.Process.Kill()
		})
	}

	go func() {
		// First declaration wins; later sentinel lines are ignored.
		var winner string
		scanner := bufio.NewScanner(stdout)
		// Games can dump large lines; the default 64 KiB token cap would abort
		// the scan and leave the pipe undrained.
		scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
		for scanner.Scan() {
			line := scanner.Text()
			debugLog.Printf("Challenge %d: game output: %s", challengeID, line)
			if winner != "" {
				continue
			}
			if name, ok := s.parser.ParseLine(line); ok {
				winner = name
				debugLog.Printf("Challenge %d: winner declared: %s", challengeID, winner)
			}
		}
		if err := scanner.Err(); err != nil {
			errorLog.Printf("Challenge %d: error reading game output: %v", challengeID, err)
			// Keep draining so the process never blocks on a full pipe
			io.Copy(io.Discard, stdout)
		}

		waitErr := cmd.Wait()
		if timer != nil {
			timer.Stop()
		}

		res := Result{ChallengeID: challengeID, Winner: winner}
		select {
		case <-timedOut:
			res.TimedOut = true
		default:
			res.Err = waitErr
		}
		if waitErr != nil && !res.TimedOut {
			errorLog.Printf("Challenge %d: game process exited with error: %v", challengeID, waitErr)
		}

		results <- res
	}()

	return results, nil
}
