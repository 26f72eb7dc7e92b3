package database

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	// ErrUsernameTaken indicates the username already exists.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrUserNotFound indicates no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials indicates the username/credential pair does not match.
	ErrInvalidCredentials = errors.New("invalid username or credential")
	// ErrChannelNotFound indicates no channel matches the lookup.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrAlreadyMember indicates the user is already a member of the channel.
	ErrAlreadyMember = errors.New("already a member of this channel")
	// ErrNotMember indicates no membership row exists for the pair.
	ErrNotMember = errors.New("not a member of this channel")
	// ErrChallengeActive indicates the channel already has an active challenge.
	ErrChallengeActive = errors.New("channel already has an active challenge")
	// ErrChallengeNotFound indicates no challenge matches the lookup.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrWrongChallengeState indicates the challenge is not in the expected state.
	ErrWrongChallengeState = errors.New("challenge is not in the expected state")
	// ErrAlreadyParticipant indicates the user already joined the challenge.
	ErrAlreadyParticipant = errors.New("already a participant in this challenge")
	// ErrRosterFull indicates the challenge roster is at capacity.
	ErrRosterFull = errors.New("challenge roster is full")
)

// Challenge status values. A challenge counts as active while pending,
// accepted or in_progress.
const (
	ChallengePending    = "pending"
	ChallengeAccepted   = "accepted"
	ChallengeDeclined   = "declined"
	ChallengeInProgress = "in_progress"
	ChallengeCompleted  = "completed"
)

// Reserved usernames for synthetic message authors. These rows are seeded at
// init with an empty credential hash and can never authenticate.
const (
	SystemUsername     = "SYSTEM"
	DuelNoticeUsername = "DUEL_NOTICE"
)

const inviteCodeBytes = 4 // 8 hex chars on the wire

// DB wraps the SQLite database connection.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)

	systemUserID     int64
	duelNoticeUserID int64
}

// Open opens the SQLite database at the given path, initializes the schema and
// seeds the synthetic users.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers, one writer (WAL mode)
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly one write connection, never recycled. Serializing writes through
	// a single connection is what makes each read-decide-write transaction
	// atomic with respect to its invariant.
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{conn: conn, writeConn: writeConn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := db.seedSyntheticUsers(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to seed synthetic users: %w", err)
	}

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes both database connections.
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	credential_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	channel_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	admin_user_id INTEGER NOT NULL,
	invite_code TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (admin_user_id) REFERENCES users(user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS memberships (
	membership_id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	channel_id INTEGER NOT NULL,
	joined_at INTEGER NOT NULL,
	FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE,
	FOREIGN KEY (channel_id) REFERENCES channels(channel_id) ON DELETE CASCADE,
	UNIQUE (user_id, channel_id)
);

CREATE TABLE IF NOT EXISTS messages (
	message_id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id INTEGER NOT NULL,
	author_user_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	FOREIGN KEY (channel_id) REFERENCES channels(channel_id) ON DELETE CASCADE,
	FOREIGN KEY (author_user_id) REFERENCES users(user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS challenges (
	challenge_id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id INTEGER NOT NULL,
	challenger_user_id INTEGER NOT NULL,
	defender_user_id INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('pending', 'accepted', 'declined', 'in_progress', 'completed')),
	winner_user_id INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (channel_id) REFERENCES channels(channel_id) ON DELETE CASCADE,
	FOREIGN KEY (challenger_user_id) REFERENCES users(user_id) ON DELETE CASCADE,
	FOREIGN KEY (defender_user_id) REFERENCES users(user_id) ON DELETE CASCADE,
	FOREIGN KEY (winner_user_id) REFERENCES users(user_id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS challenge_participants (
	challenge_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (challenge_id, user_id),
	FOREIGN KEY (challenge_id) REFERENCES challenges(challenge_id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, timestamp DESC, message_id DESC);
CREATE INDEX IF NOT EXISTS idx_memberships_channel ON memberships(channel_id, joined_at, membership_id);
CREATE INDEX IF NOT EXISTS idx_challenges_channel ON challenges(channel_id, status);
`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) seedSyntheticUsers() error {
	for _, name := range []string{SystemUsername, DuelNoticeUsername} {
		if _, err := db.writeConn.Exec(`
			INSERT OR IGNORE INTO users (username, credential_hash, created_at) VALUES (?, '', ?)
		`, name, nowMillis()); err != nil {
			return err
		}
	}

	if err := db.conn.QueryRow(`SELECT user_id FROM users WHERE username = ?`, SystemUsername).Scan(&db.systemUserID); err != nil {
		return err
	}
	return db.conn.QueryRow(`SELECT user_id FROM users WHERE username = ?`, DuelNoticeUsername).Scan(&db.duelNoticeUserID)
}

// SystemUserID returns the synthetic author id for system messages.
func (db *DB) SystemUserID() int64 { return db.systemUserID }

// DuelNoticeUserID returns the synthetic author id for duel notices.
func (db *DB) DuelNoticeUserID() int64 { return db.duelNoticeUserID }

// IsSyntheticUser reports whether the id belongs to a reserved synthetic user.
func (db *DB) IsSyntheticUser(userID int64) bool {
	return userID == db.systemUserID || userID == db.duelNoticeUserID
}

// User represents a registered user account.
type User struct {
	ID             int64
	Username       string
	CredentialHash string
	CreatedAt      int64 // Unix timestamp in milliseconds
}

// Channel represents a channel record. AdminUsername is populated by joined
// queries, not stored on the row.
type Channel struct {
	ID            int64
	Name          string
	AdminUserID   int64
	AdminUsername string
	InviteCode    string
	CreatedAt     int64
}

// Member represents one membership row joined with the member's username.
type Member struct {
	UserID       int64
	Username     string
	JoinedAt     int64
	MembershipID int64
}

// Message represents a persisted chat or system message.
type Message struct {
	ID             int64
	ChannelID      int64
	AuthorUserID   int64
	AuthorUsername string
	Content        string
	Timestamp      int64
}

// Challenge represents a duel record.
type Challenge struct {
	ID               int64
	ChannelID        int64
	ChallengerUserID int64
	DefenderUserID   int64
	Status           string
	WinnerUserID     *int64
	CreatedAt        int64
	UpdatedAt        int64
}

// Participant represents one challenge roster entry.
type Participant struct {
	UserID   int64
	Username string
	JoinedAt int64
}

// LeaveResult reports what happened when a member left a channel.
type LeaveResult struct {
	ChannelDeleted   bool
	NewAdminUserID   *int64
	NewAdminUsername string
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// AddUser creates a user with a bcrypt-hashed credential.
func (db *DB) AddUser(username, credential string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash credential: %w", err)
	}

	result, err := db.writeConn.Exec(`
		INSERT INTO users (username, credential_hash, created_at) VALUES (?, ?, ?)
	`, username, string(hash), nowMillis())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUsernameTaken
		}
		return 0, err
	}

	return result.LastInsertId()
}

// GetUser retrieves a user by username.
func (db *DB) GetUser(username string) (*User, error) {
	u := &User{}
	err := db.conn.QueryRow(`
		SELECT user_id, username, credential_hash, created_at FROM users WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.CredentialHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUserByID retrieves a user by id.
func (db *DB) GetUserByID(userID int64) (*User, error) {
	u := &User{}
	err := db.conn.QueryRow(`
		SELECT user_id, username, credential_hash, created_at FROM users WHERE user_id = ?
	`, userID).Scan(&u.ID, &u.Username, &u.CredentialHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CheckCredentials verifies a username/credential pair and returns the user id.
// Synthetic users carry an empty hash and always fail.
func (db *DB) CheckCredentials(username, credential string) (int64, error) {
	u, err := db.GetUser(username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}
	if u.CredentialHash == "" {
		return 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.CredentialHash), []byte(credential)); err != nil {
		return 0, ErrInvalidCredentials
	}
	return u.ID, nil
}

func generateInviteCode() (string, error) {
	buf := make([]byte, inviteCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CreateChannel creates a channel with a freshly generated unique invite code
// and inserts the creator as admin and first member, in one transaction.
// Invite code collisions regenerate and retry.
func (db *DB) CreateChannel(name string, creatorUserID int64) (*Channel, error) {
	const maxAttempts = 10

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := generateInviteCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate invite code: %w", err)
		}

		ch, err := db.tryCreateChannel(name, creatorUserID, code)
		if err != nil {
			if isUniqueViolation(err) {
				continue // invite code collision, regenerate
			}
			return nil, err
		}
		return ch, nil
	}

	return nil, errors.New("failed to allocate a unique invite code")
}

func (db *DB) tryCreateChannel(name string, creatorUserID int64, code string) (*Channel, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := nowMillis()
	result, err := tx.Exec(`
		INSERT INTO channels (name, admin_user_id, invite_code, created_at) VALUES (?, ?, ?, ?)
	`, name, creatorUserID, code, now)
	if err != nil {
		return nil, err
	}
	channelID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		INSERT INTO memberships (user_id, channel_id, joined_at) VALUES (?, ?, ?)
	`, creatorUserID, channelID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Channel{
		ID:          channelID,
		Name:        name,
		AdminUserID: creatorUserID,
		InviteCode:  code,
		CreatedAt:   now,
	}, nil
}

const channelSelect = `
	SELECT c.channel_id, c.name, c.admin_user_id, u.username, c.invite_code, c.created_at
	FROM channels c
	JOIN users u ON c.admin_user_id = u.user_id
`

func scanChannel(row *sql.Row) (*Channel, error) {
	ch := &Channel{}
	err := row.Scan(&ch.ID, &ch.Name, &ch.AdminUserID, &ch.AdminUsername, &ch.InviteCode, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// GetChannel retrieves a channel by id, including the admin's username.
func (db *DB) GetChannel(channelID int64) (*Channel, error) {
	return scanChannel(db.conn.QueryRow(channelSelect+`WHERE c.channel_id = ?`, channelID))
}

// GetChannelByInviteCode retrieves a channel by its invite code.
func (db *DB) GetChannelByInviteCode(code string) (*Channel, error) {
	return scanChannel(db.conn.QueryRow(channelSelect+`WHERE c.invite_code = ?`, code))
}

// IsMember reports whether the user belongs to the channel.
func (db *DB) IsMember(userID, channelID int64) (bool, error) {
	var one int
	err := db.conn.QueryRow(`
		SELECT 1 FROM memberships WHERE user_id = ? AND channel_id = ? LIMIT 1
	`, userID, channelID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMember inserts a membership row.
func (db *DB) AddMember(userID, channelID int64) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO memberships (user_id, channel_id, joined_at) VALUES (?, ?, ?)
	`, userID, channelID, nowMillis())
	if isUniqueViolation(err) {
		return ErrAlreadyMember
	}
	return err
}

// RemoveMember deletes a membership row and applies the admin-succession rules
// in a single transaction:
//   - non-admin leaving: plain delete
//   - admin leaving with members remaining: the remaining member with the
//     earliest (joined_at, membership_id) becomes admin
//   - admin leaving as last member: the channel row is deleted and its
//     memberships, messages and challenges cascade
func (db *DB) RemoveMember(userID, channelID int64) (*LeaveResult, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var adminID int64
	err = tx.QueryRow(`SELECT admin_user_id FROM channels WHERE channel_id = ?`, channelID).Scan(&adminID)
	if err == sql.ErrNoRows {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}

	result, err := tx.Exec(`DELETE FROM memberships WHERE user_id = ? AND channel_id = ?`, userID, channelID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotMember
	}

	res := &LeaveResult{}

	if userID == adminID {
		var remaining int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM memberships WHERE channel_id = ?`, channelID).Scan(&remaining); err != nil {
			return nil, err
		}

		if remaining == 0 {
			if _, err := tx.Exec(`DELETE FROM channels WHERE channel_id = ?`, channelID); err != nil {
				return nil, err
			}
			res.ChannelDeleted = true
		} else {
			// Longest-standing remaining member, recomputed from persisted
			// rows: minimum (joined_at, membership_id).
			var newAdminID int64
			var newAdminName string
			err := tx.QueryRow(`
				SELECT m.user_id, u.username
				FROM memberships m
				JOIN users u ON m.user_id = u.user_id
				WHERE m.channel_id = ?
				ORDER BY m.joined_at ASC, m.membership_id ASC
				LIMIT 1
			`, channelID).Scan(&newAdminID, &newAdminName)
			if err != nil {
				return nil, err
			}

			if _, err := tx.Exec(`UPDATE channels SET admin_user_id = ? WHERE channel_id = ?`, newAdminID, channelID); err != nil {
				return nil, err
			}
			res.NewAdminUserID = &newAdminID
			res.NewAdminUsername = newAdminName
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// ListMembers returns all members of a channel ordered by username.
func (db *DB) ListMembers(channelID int64) ([]*Member, error) {
	rows, err := db.conn.Query(`
		SELECT m.user_id, u.username, m.joined_at, m.membership_id
		FROM memberships m
		JOIN users u ON m.user_id = u.user_id
		WHERE m.channel_id = ?
		ORDER BY u.username ASC
	`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m := &Member{}
		if err := rows.Scan(&m.UserID, &m.Username, &m.JoinedAt, &m.MembershipID); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (db *DB) queryChannels(query string, args ...any) ([]*Channel, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch := &Channel{}
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.AdminUserID, &ch.AdminUsername, &ch.InviteCode, &ch.CreatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ListChannelsForUser returns the channels the user belongs to.
func (db *DB) ListChannelsForUser(userID int64) ([]*Channel, error) {
	return db.queryChannels(`
		SELECT c.channel_id, c.name, c.admin_user_id, u.username, c.invite_code, c.created_at
		FROM channels c
		JOIN memberships m ON c.channel_id = m.channel_id
		JOIN users u ON c.admin_user_id = u.user_id
		WHERE m.user_id = ?
		ORDER BY c.name ASC
	`, userID)
}

// ListAllChannels returns every channel.
func (db *DB) ListAllChannels() ([]*Channel, error) {
	return db.queryChannels(channelSelect + `ORDER BY c.name ASC`)
}

// AddMessage persists a message and returns it with its assigned id and
// timestamp.
func (db *DB) AddMessage(channelID, authorUserID int64, content string) (*Message, error) {
	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT INTO messages (channel_id, author_user_id, content, timestamp) VALUES (?, ?, ?, ?)
	`, channelID, authorUserID, content, now)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:           id,
		ChannelID:    channelID,
		AuthorUserID: authorUserID,
		Content:      content,
		Timestamp:    now,
	}, nil
}

// ListRecentMessages returns the most recent limit messages for a channel in
// ascending chronological order, ties broken by message id.
func (db *DB) ListRecentMessages(channelID int64, limit int) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT m.message_id, m.channel_id, m.author_user_id, u.username, m.content, m.timestamp
		FROM messages m
		JOIN users u ON m.author_user_id = u.user_id
		WHERE m.channel_id = ?
		ORDER BY m.timestamp DESC, m.message_id DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var newestFirst []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorUserID, &m.AuthorUsername, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order for replay
	messages := make([]*Message, len(newestFirst))
	for i, m := range newestFirst {
		messages[len(newestFirst)-1-i] = m
	}
	return messages, nil
}

// CreateChallenge creates a pending challenge and seeds the challenger and
// defender as participants. The at-most-one-active-challenge-per-channel
// invariant is enforced by a lookup inside the same transaction.
func (db *DB) CreateChallenge(channelID, challengerUserID, defenderUserID int64) (*Challenge, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRow(`
		SELECT challenge_id FROM challenges
		WHERE channel_id = ? AND status IN ('pending', 'accepted', 'in_progress')
		LIMIT 1
	`, channelID).Scan(&existing)
	if err == nil {
		return nil, ErrChallengeActive
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := nowMillis()
	result, err := tx.Exec(`
		INSERT INTO challenges (channel_id, challenger_user_id, defender_user_id, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
	`, channelID, challengerUserID, defenderUserID, now, now)
	if err != nil {
		return nil, err
	}
	challengeID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	for _, userID := range []int64{challengerUserID, defenderUserID} {
		if _, err := tx.Exec(`
			INSERT INTO challenge_participants (challenge_id, user_id, joined_at) VALUES (?, ?, ?)
		`, challengeID, userID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Challenge{
		ID:               challengeID,
		ChannelID:        channelID,
		ChallengerUserID: challengerUserID,
		DefenderUserID:   defenderUserID,
		Status:           ChallengePending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func scanChallenge(row *sql.Row) (*Challenge, error) {
	c := &Challenge{}
	var winner sql.NullInt64
	err := row.Scan(&c.ID, &c.ChannelID, &c.ChallengerUserID, &c.DefenderUserID, &c.Status, &winner, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	if winner.Valid {
		c.WinnerUserID = &winner.Int64
	}
	return c, nil
}

const challengeSelect = `
	SELECT challenge_id, channel_id, challenger_user_id, defender_user_id, status, winner_user_id, created_at, updated_at
	FROM challenges
`

// GetChallenge retrieves a challenge by id.
func (db *DB) GetChallenge(challengeID int64) (*Challenge, error) {
	return scanChallenge(db.conn.QueryRow(challengeSelect+`WHERE challenge_id = ?`, challengeID))
}

// GetActiveChallenge retrieves the channel's active challenge, if any.
func (db *DB) GetActiveChallenge(channelID int64) (*Challenge, error) {
	return scanChallenge(db.conn.QueryRow(challengeSelect+`
		WHERE channel_id = ? AND status IN ('pending', 'accepted', 'in_progress')
		LIMIT 1
	`, channelID))
}

// UpdateChallengeStatus transitions a challenge from one status to another.
// Returns ErrWrongChallengeState if the challenge is not currently in from.
func (db *DB) UpdateChallengeStatus(challengeID int64, from, to string) error {
	result, err := db.writeConn.Exec(`
		UPDATE challenges SET status = ?, updated_at = ? WHERE challenge_id = ? AND status = ?
	`, to, nowMillis(), challengeID, from)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWrongChallengeState
	}
	return nil
}

// CompleteChallenge marks a challenge completed and records the winner (nil
// when the game ended without one). Only an accepted or in-progress challenge
// can complete; a second completion returns ErrWrongChallengeState, which is
// how resolve-exactly-once is enforced.
func (db *DB) CompleteChallenge(challengeID int64, winnerUserID *int64) error {
	var winner sql.NullInt64
	if winnerUserID != nil {
		winner.Valid = true
		winner.Int64 = *winnerUserID
	}

	result, err := db.writeConn.Exec(`
		UPDATE challenges SET status = 'completed', winner_user_id = ?, updated_at = ?
		WHERE challenge_id = ? AND status IN ('accepted', 'in_progress')
	`, winner, nowMillis(), challengeID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWrongChallengeState
	}
	return nil
}

// AddParticipant appends a user to a challenge roster, enforcing the capacity
// cap inside one transaction.
func (db *DB) AddParticipant(challengeID, userID int64, maxParticipants int) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM challenge_participants WHERE challenge_id = ?
	`, challengeID).Scan(&count); err != nil {
		return err
	}
	if count >= maxParticipants {
		return ErrRosterFull
	}

	if _, err := tx.Exec(`
		INSERT INTO challenge_participants (challenge_id, user_id, joined_at) VALUES (?, ?, ?)
	`, challengeID, userID, nowMillis()); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyParticipant
		}
		return err
	}

	return tx.Commit()
}

// ListParticipants returns the challenge roster in join order.
func (db *DB) ListParticipants(challengeID int64) ([]*Participant, error) {
	rows, err := db.conn.Query(`
		SELECT p.user_id, u.username, p.joined_at
		FROM challenge_participants p
		JOIN users u ON p.user_id = u.user_id
		WHERE p.challenge_id = ?
		ORDER BY p.joined_at ASC, p.user_id ASC
	`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		p := &Participant{}
		if err := rows.Scan(&p.UserID, &p.Username, &p.JoinedAt); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// CountParticipants returns the roster size for a challenge.
func (db *DB) CountParticipants(challengeID int64) (int, error) {
	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM challenge_participants WHERE challenge_id = ?
	`, challengeID).Scan(&count)
	return count, err
}

// SetChannelAdmin transfers the channel admin role. Used when a challenge
// winner takes over, independent of the leave-triggered succession rule.
func (db *DB) SetChannelAdmin(channelID, userID int64) error {
	result, err := db.writeConn.Exec(`
		UPDATE channels SET admin_user_id = ? WHERE channel_id = ?
	`, userID, channelID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrChannelNotFound
	}
	return nil
}
