package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	dbconfig "medchat/pkg/database"
	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Manager implements interfaces.MessageStore. Reads run on the pool, writes
// are funnelled through a single goroutine so SQLite never sees two writers.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

var _ interfaces.MessageStore = (*Manager)(nil)

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the configured database and starts the writer.
func NewManager(config *dbconfig.Config, log *zap.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		db:           db,
		config:       config,
		log:          log.Named("database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// The caller may have given up while the operation was queued.
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}
			err := op.operation(op.ctx, m.db)
			if err != nil {
				m.log.Debug("database write failed", zap.Error(err))
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug("write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write and waits for it. Failures are returned as-is;
// there is no retry.
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// q rebinds placeholders for the configured driver.
func (m *Manager) q(query string) string {
	return dbconfig.Rebind(m.config.Driver, query)
}

// CreateMessage inserts the message and bumps the conversation's activity in
// one transaction.
func (m *Manager) CreateMessage(ctx context.Context, msg *types.NewMessage) (*types.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	created := &types.Message{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Type:           msg.Type,
		FileURL:        msg.FileURL,
		CreatedAt:      time.Now().UTC(),
	}

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, m.q(`
			INSERT INTO messages (conversation_id, sender_id, content, message_type, file_url, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`),
			created.ConversationID,
			created.SenderID,
			created.Content,
			string(created.Type),
			created.FileURL,
			false,
			created.CreatedAt,
		).Scan(&created.ID)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		res, err := tx.ExecContext(ctx, m.q(`UPDATE conversations SET last_message_at = ? WHERE id = ?`),
			created.CreatedAt, created.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to update conversation activity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrConversationNotFound
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (m *Manager) MarkRead(ctx context.Context, conversationID types.ConversationID, reader types.UserID) (int64, error) {
	var updated int64
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, m.q(`
			UPDATE messages
			SET is_read = ?
			WHERE conversation_id = ? AND sender_id <> ? AND is_read = ?
		`), true, conversationID, reader, false)
		if err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		updated, err = res.RowsAffected()
		return err
	})
	return updated, err
}

func (m *Manager) GetConversationCounterpart(ctx context.Context, conversationID types.ConversationID, requester types.UserID) (types.UserID, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	other, ok := conv.Counterpart(requester)
	if !ok {
		return 0, interfaces.ErrConversationNotFound
	}
	return other, nil
}

func (m *Manager) GetConversation(ctx context.Context, conversationID types.ConversationID) (*types.Conversation, error) {
	row := m.db.QueryRowContext(ctx, m.q(`
		SELECT id, patient_id, doctor_id, created_at, last_message_at
		FROM conversations
		WHERE id = ?
	`), conversationID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return conv, nil
}

const pairQuery = `
	SELECT id, patient_id, doctor_id, created_at, last_message_at
	FROM conversations
	WHERE (patient_id = ? AND doctor_id = ?) OR (patient_id = ? AND doctor_id = ?)
`

// GetOrCreateConversation looks the pair up in either order before inserting,
// all inside the writer so two concurrent calls cannot both create.
func (m *Manager) GetOrCreateConversation(ctx context.Context, patientID, doctorID types.UserID) (*types.Conversation, bool, error) {
	if !types.IsValidUserID(patientID) || !types.IsValidUserID(doctorID) {
		return nil, false, types.ErrInvalidUserID
	}
	if patientID == doctorID {
		return nil, false, types.ErrSameParticipant
	}

	var (
		conv    *types.Conversation
		created bool
	)
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		conv, err = scanConversation(tx.QueryRowContext(ctx, m.q(pairQuery), patientID, doctorID, doctorID, patientID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up conversation: %w", err)
		}

		conv = &types.Conversation{PatientID: patientID, DoctorID: doctorID, CreatedAt: time.Now().UTC()}
		err = tx.QueryRowContext(ctx, m.q(`
			INSERT INTO conversations (patient_id, doctor_id, created_at)
			VALUES (?, ?, ?)
			RETURNING id
		`), patientID, doctorID, conv.CreatedAt).Scan(&conv.ID)
		if isUniqueViolation(err) {
			// Another writer stored the pair first, possibly reversed.
			_ = tx.Rollback()
			conv, err = scanConversation(db.QueryRowContext(ctx, m.q(pairQuery), patientID, doctorID, doctorID, patientID))
			if err != nil {
				return fmt.Errorf("failed to reload conversation: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit conversation: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// ListConversations returns the user's conversations, most recent activity
// first, with names, unread counts and the latest message.
func (m *Manager) ListConversations(ctx context.Context, user types.UserID) ([]*types.ConversationSummary, error) {
	rows, err := m.db.QueryContext(ctx, m.q(`
		SELECT
			c.id, c.patient_id, c.doctor_id,
			COALESCE(pu.name, ''), COALESCE(du.name, ''),
			c.last_message_at,
			(SELECT content FROM messages lm
				WHERE lm.conversation_id = c.id
				ORDER BY lm.created_at DESC, lm.id DESC LIMIT 1),
			(SELECT COUNT(*) FROM messages um
				WHERE um.conversation_id = c.id AND um.sender_id <> ? AND um.is_read = ?)
		FROM conversations c
		LEFT JOIN users pu ON pu.id = c.patient_id
		LEFT JOIN users du ON du.id = c.doctor_id
		WHERE c.patient_id = ? OR c.doctor_id = ?
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
	`), user, false, user, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := []*types.ConversationSummary{}
	for rows.Next() {
		var (
			s           types.ConversationSummary
			lastAt      sql.NullTime
			lastMessage sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.PatientID, &s.DoctorID, &s.PatientName, &s.DoctorName,
			&lastAt, &lastMessage, &s.UnreadCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		if lastAt.Valid {
			s.LastMessageAt = &lastAt.Time
		}
		if lastMessage.Valid {
			s.LastMessage = &lastMessage.String
		}
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return summaries, nil
}

// GetMessages returns ErrConversationNotFound for unknown conversations and
// ErrForbidden when requester is not a participant.
func (m *Manager) GetMessages(ctx context.Context, conversationID types.ConversationID, requester types.UserID, limit, offset int) ([]*types.Message, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.Counterpart(requester); !ok {
		return nil, interfaces.ErrForbidden
	}

	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset = max(offset, 0)

	rows, err := m.db.QueryContext(ctx, m.q(`
		SELECT id, conversation_id, sender_id, content, message_type, file_url, is_read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`), conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func (m *Manager) DeleteMessage(ctx context.Context, messageID types.MessageID, sender types.UserID) (*types.Message, error) {
	var deleted *types.Message
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, m.q(`
			SELECT id, conversation_id, sender_id, content, message_type, file_url, is_read, created_at
			FROM messages
			WHERE id = ? AND sender_id = ?
		`), messageID, sender)
		deleted, err = scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return interfaces.ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, m.q(`DELETE FROM messages WHERE id = ?`), messageID); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (m *Manager) FileReferenced(ctx context.Context, fileURL string) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx, m.q(`SELECT COUNT(*) FROM messages WHERE file_url = ?`), fileURL).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count file references: %w", err)
	}
	return n > 0, nil
}

func (m *Manager) UserName(ctx context.Context, user types.UserID) (string, error) {
	var name string
	err := m.db.QueryRowContext(ctx, m.q(`SELECT name FROM users WHERE id = ?`), user).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query user: %w", err)
	}
	return name, nil
}

// UpsertUser records a user's display name and role. The account system owns
// users; this exists for seeding and tests.
func (m *Manager) UpsertUser(ctx context.Context, user types.Identity) error {
	if !types.IsValidUserID(user.ID) {
		return types.ErrInvalidUserID
	}
	role := user.Role
	if role == "" {
		role = "patient"
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`
			INSERT INTO users (id, name, role) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role
		`), user.ID, user.Name, role)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// HealthCheck pings the pool and runs a trivial read.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB exposes the pool for migrations.
func (m *Manager) DB() *sql.DB {
	return m.db
}

func (m *Manager) Driver() string {
	return m.config.Driver
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*types.Conversation, error) {
	var (
		conv   types.Conversation
		lastAt sql.NullTime
	)
	if err := row.Scan(&conv.ID, &conv.PatientID, &conv.DoctorID, &conv.CreatedAt, &lastAt); err != nil {
		return nil, err
	}
	if lastAt.Valid {
		conv.LastMessageAt = &lastAt.Time
	}
	return &conv, nil
}

func scanMessage(row scanner) (*types.Message, error) {
	var (
		msg     types.Message
		msgType string
		fileURL sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content,
		&msgType, &fileURL, &msg.IsRead, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Type = types.MessageType(msgType)
	if fileURL.Valid {
		msg.FileURL = &fileURL.String
	}
	return &msg, nil
}
