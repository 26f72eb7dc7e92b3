package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/duelchat/duelchat/pkg/database"
	"github.com/duelchat/duelchat/pkg/game"
	"github.com/duelchat/duelchat/pkg/protocol"
)

func (s *Server) challengeData(ch *database.Channel, c *database.Challenge) (*protocol.ChallengeData, error) {
	participants, err := s.db.ListParticipants(c.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.Username)
	}
	return &protocol.ChallengeData{
		ChallengeID:  c.ID,
		ServerID:     ch.ID,
		ServerName:   ch.Name,
		Status:       c.Status,
		Participants: names,
	}, nil
}

// memberChannel loads a channel and verifies the user belongs to it.
func (s *Server) memberChannel(sess *Session, action protocol.Action, channelID int64) (*database.Channel, error) {
	userID, _ := sess.Identity()

	ch, err := s.db.GetChannel(channelID)
	if err != nil {
		if errors.Is(err, database.ErrChannelNotFound) {
			return nil, s.sendError(sess, action, protocol.ErrCodeChannelNotFound, "Server not found")
		}
		return nil, err
	}

	isMember, err := s.db.IsMember(userID, ch.ID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, s.sendError(sess, action, protocol.ErrCodeNotMember, "Not a member of this server")
	}
	return ch, nil
}

func (s *Server) handleChallengeAdmin(sess *Session, p *protocol.ServerIDPayload) error {
	userID, username := sess.Identity()

	ch, err := s.memberChannel(sess, protocol.ActionChallengeAdmin, p.ServerID)
	if ch == nil {
		return err
	}

	if ch.AdminUserID == userID {
		return s.sendError(sess, protocol.ActionChallengeAdmin, protocol.ErrCodeInvalidInput, "You are already the admin")
	}

	c, err := s.db.CreateChallenge(ch.ID, userID, ch.AdminUserID)
	if err != nil {
		if errors.Is(err, database.ErrChallengeActive) {
			return s.sendError(sess, protocol.ActionChallengeAdmin, protocol.ErrCodeDuplicateChallenge, "This server already has an active challenge")
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordChallengeStarted()
	}
	debugLog.Printf("Server %d: %s challenged admin %s (challenge %d)", ch.ID, username, ch.AdminUsername, c.ID)
	s.postDuelNotice(ch, fmt.Sprintf("%s has challenged %s for control of the server", username, ch.AdminUsername))

	data, err := s.challengeData(ch, c)
	if err != nil {
		return err
	}
	return s.sendSuccess(sess, protocol.ActionChallengeAdmin, "Challenge issued", data)
}

func (s *Server) handleJoinChallenge(sess *Session, p *protocol.ServerIDPayload) error {
	userID, username := sess.Identity()

	ch, err := s.memberChannel(sess, protocol.ActionJoinChallenge, p.ServerID)
	if ch == nil {
		return err
	}

	c, err := s.db.GetActiveChallenge(ch.ID)
	if err != nil {
		if errors.Is(err, database.ErrChallengeNotFound) {
			return s.sendError(sess, protocol.ActionJoinChallenge, protocol.ErrCodeNotFound, "No active challenge in this server")
		}
		return err
	}

	// The roster closes once the defender accepts
	if c.Status != database.ChallengePending {
		return s.sendError(sess, protocol.ActionJoinChallenge, protocol.ErrCodeWrongState, "Challenge is no longer open for participants")
	}

	if err := s.db.AddParticipant(c.ID, userID, s.config.GameMaxParticipants); err != nil {
		switch {
		case errors.Is(err, database.ErrAlreadyParticipant):
			return s.sendError(sess, protocol.ActionJoinChallenge, protocol.ErrCodeInvalidInput, "Already a participant in this challenge")
		case errors.Is(err, database.ErrRosterFull):
			return s.sendError(sess, protocol.ActionJoinChallenge, protocol.ErrCodeRosterFull,
				fmt.Sprintf("Challenge roster is full (max %d)", s.config.GameMaxParticipants))
		}
		return err
	}

	s.postDuelNotice(ch, fmt.Sprintf("%s joined the challenge", username))

	data, err := s.challengeData(ch, c)
	if err != nil {
		return err
	}
	return s.sendSuccess(sess, protocol.ActionJoinChallenge, "Joined challenge", data)
}

func (s *Server) handleDeclineChallenge(sess *Session, p *protocol.ServerIDPayload) error {
	userID, username := sess.Identity()

	ch, err := s.memberChannel(sess, protocol.ActionDeclineChallenge, p.ServerID)
	if ch == nil {
		return err
	}

	c, err := s.db.GetActiveChallenge(ch.ID)
	if err != nil {
		if errors.Is(err, database.ErrChallengeNotFound) {
			return s.sendError(sess, protocol.ActionDeclineChallenge, protocol.ErrCodeNotFound, "No active challenge in this server")
		}
		return err
	}

	if c.DefenderUserID != userID {
		return s.sendError(sess, protocol.ActionDeclineChallenge, protocol.ErrCodePermissionDenied, "Only the challenged admin can decline")
	}

	if err := s.db.UpdateChallengeStatus(c.ID, database.ChallengePending, database.ChallengeDeclined); err != nil {
		if errors.Is(err, database.ErrWrongChallengeState) {
			return s.sendError(sess, protocol.ActionDeclineChallenge, protocol.ErrCodeWrongState, "Challenge can no longer be declined")
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordChallengeCompleted("declined")
	}
	s.postDuelNotice(ch, fmt.Sprintf("%s declined the challenge", username))

	return s.sendSuccess(sess, protocol.ActionDeclineChallenge, "Challenge declined", nil)
}

func (s *Server) handleAcceptChallenge(sess *Session, p *protocol.ServerIDPayload) error {
	userID, username := sess.Identity()

	ch, err := s.memberChannel(sess, protocol.ActionAcceptChallenge, p.ServerID)
	if ch == nil {
		return err
	}

	c, err := s.db.GetActiveChallenge(ch.ID)
	if err != nil {
		if errors.Is(err, database.ErrChallengeNotFound) {
			return s.sendError(sess, protocol.ActionAcceptChallenge, protocol.ErrCodeNotFound, "No active challenge in this server")
		}
		return err
	}

	if c.DefenderUserID != userID {
		return s.sendError(sess, protocol.ActionAcceptChallenge, protocol.ErrCodePermissionDenied, "Only the challenged admin can accept")
	}

	// The pending→accepted guard doubles as a lock: two concurrent accepts
	// cannot both pass it.
	if err := s.db.UpdateChallengeStatus(c.ID, database.ChallengePending, database.ChallengeAccepted); err != nil {
		if errors.Is(err, database.ErrWrongChallengeState) {
			return s.sendError(sess, protocol.ActionAcceptChallenge, protocol.ErrCodeWrongState, "Challenge can no longer be accepted")
		}
		return err
	}

	participants, err := s.db.ListParticipants(c.ID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(participants))
	participantIDs := make([]int64, 0, len(participants))
	for _, part := range participants {
		names = append(names, part.Username)
		participantIDs = append(participantIDs, part.UserID)
	}

	port, err := game.FreePort()
	if err == nil {
		var results <-chan game.Result
		results, err = s.supervisor.Launch(c.ID, port, names)
		if err == nil {
			if err := s.db.UpdateChallengeStatus(c.ID, database.ChallengeAccepted, database.ChallengeInProgress); err != nil {
				errorLog.Printf("Challenge %d: failed to mark in progress: %v", c.ID, err)
			}

			s.broadcastToUsers(participantIDs, protocol.EventMinigameInvite, &protocol.MinigameInvitePayload{
				ChallengeID:     c.ID,
				ServerID:        ch.ID,
				ServerName:      ch.Name,
				MinigameIP:      s.supervisor.Host(),
				MinigamePort:    port,
				AllParticipants: names,
			})
			s.postDuelNotice(ch, fmt.Sprintf("%s accepted the challenge. The duel begins", username))

			go s.superviseGame(ch.ID, c.ID, participants, results, time.Now())

			c.Status = database.ChallengeInProgress
			data, err := s.challengeData(ch, c)
			if err != nil {
				return err
			}
			return s.sendSuccess(sess, protocol.ActionAcceptChallenge, "Challenge accepted", data)
		}
	}

	// Spawn failed: put the challenge back so it can be accepted again
	errorLog.Printf("Challenge %d: failed to launch game: %v", c.ID, err)
	if revertErr := s.db.UpdateChallengeStatus(c.ID, database.ChallengeAccepted, database.ChallengePending); revertErr != nil {
		errorLog.Printf("Challenge %d: failed to revert to pending: %v", c.ID, revertErr)
	}
	return s.sendError(sess, protocol.ActionAcceptChallenge, protocol.ErrCodeGameLaunch, "Failed to launch the game, try again")
}

// superviseGame waits for the game result and resolves the challenge. The
// challenge resolves exactly once: the completed-state guard in the database
// rejects any second attempt.
func (s *Server) superviseGame(channelID, challengeID int64, participants []*database.Participant, results <-chan game.Result, startedAt time.Time) {
	res := <-results

	if s.metrics != nil {
		s.metrics.RecordGameDuration(time.Since(startedAt).Seconds())
	}

	var winnerID *int64
	var winnerName string
	if res.Winner != "" {
		for _, part := range participants {
			if part.Username == res.Winner {
				id := part.UserID
				winnerID = &id
				winnerName = part.Username
				break
			}
		}
		if winnerID == nil {
			errorLog.Printf("Challenge %d: game declared winner %q who is not a participant, treating as no winner", challengeID, res.Winner)
		}
	}

	if err := s.db.CompleteChallenge(challengeID, winnerID); err != nil {
		if errors.Is(err, database.ErrWrongChallengeState) {
			debugLog.Printf("Challenge %d: already resolved", challengeID)
			return
		}
		errorLog.Printf("Challenge %d: failed to complete: %v", challengeID, err)
		return
	}

	outcome := "no_winner"
	switch {
	case res.TimedOut:
		outcome = "timeout"
	case winnerID != nil:
		outcome = "winner"
	}
	if s.metrics != nil {
		s.metrics.RecordChallengeCompleted(outcome)
	}

	ch, err := s.db.GetChannel(channelID)
	if err != nil {
		// Channel may have been deleted while the game ran
		debugLog.Printf("Challenge %d: channel %d gone at resolution: %v", challengeID, channelID, err)
		return
	}

	var winnerUsername *string
	if winnerID != nil {
		if err := s.db.SetChannelAdmin(ch.ID, *winnerID); err != nil {
			errorLog.Printf("Challenge %d: failed to transfer admin to %s: %v", challengeID, winnerName, err)
		} else {
			winnerUsername = &winnerName
			s.postDuelNotice(ch, fmt.Sprintf("%s won the duel and is now the admin of %s", winnerName, ch.Name))
		}
	} else if res.TimedOut {
		s.postDuelNotice(ch, "The duel timed out with no winner. The admin keeps the throne")
	} else {
		s.postDuelNotice(ch, "The duel ended with no winner. The admin keeps the throne")
	}

	s.broadcastToChannel(ch.ID, 0, protocol.EventChallengeResolved, &protocol.ChallengeResolvedPayload{
		ChallengeID:    challengeID,
		ServerID:       ch.ID,
		ServerName:     ch.Name,
		WinnerUsername: winnerUsername,
	})
}
