package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/deskline/backend/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresStore implements Store on PostgreSQL via pgx
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
// Connection attempts are retried because the database may not be ready yet
// when both start under the same orchestrator.
func NewPostgresStore(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= 10; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				break
			} else {
				pool.Close()
				err = pingErr
			}
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("database not reachable, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
		pool = nil
	}
	if pool == nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	store := &PostgresStore{pool: pool, logger: logger}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().Msg("postgres store initialized")
	return store, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(255) PRIMARY KEY,
			customer_id VARCHAR(255) NOT NULL,
			customer_name VARCHAR(255) NOT NULL DEFAULT '',
			agent_id VARCHAR(255) NOT NULL DEFAULT '',
			agent_name VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL CHECK (status IN ('bot', 'queued', 'active', 'closed')),
			started_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at TIMESTAMPTZ,
			last_message TEXT NOT NULL DEFAULT '',
			last_message_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			rating INTEGER NOT NULL DEFAULT 0 CHECK (rating >= 0 AND rating <= 5),
			feedback TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(255) PRIMARY KEY,
			conversation_id VARCHAR(255) NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_type VARCHAR(20) NOT NULL CHECK (sender_type IN ('customer', 'agent', 'bot', 'system')),
			sender_id VARCHAR(255) NOT NULL DEFAULT '',
			sender_name VARCHAR(255) NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			seq BIGSERIAL,
			read_by_agent BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_customer_id ON conversations(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_agent_id ON conversations(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_seq ON messages(conversation_id, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}

const conversationColumns = `id, customer_id, customer_name, agent_id, agent_name, status,
	started_at, ended_at, last_message, last_message_at, rating, feedback`

func scanConversation(row pgx.Row) (*types.Conversation, error) {
	var conv types.Conversation
	err := row.Scan(
		&conv.ConversationID, &conv.CustomerID, &conv.CustomerName,
		&conv.AgentID, &conv.AgentName, &conv.Status,
		&conv.StartedAt, &conv.EndedAt, &conv.LastMessage, &conv.LastMessageAt,
		&conv.Rating, &conv.Feedback,
	)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *PostgresStore) ActiveConversation(ctx context.Context, customerID string) (*types.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE customer_id = $1 AND status <> 'closed'
		ORDER BY started_at DESC
		LIMIT 1
	`, customerID)

	conv, err := scanConversation(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying active conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, conversationID)

	conv, err := scanConversation(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, customer_id, customer_name, agent_id, agent_name, status,
			started_at, ended_at, last_message, last_message_at, rating, feedback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, conv.ConversationID, conv.CustomerID, conv.CustomerName, conv.AgentID, conv.AgentName,
		conv.Status, conv.StartedAt, conv.EndedAt, conv.LastMessage, conv.LastMessageAt,
		conv.Rating, conv.Feedback)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, conv *types.Conversation) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET customer_name = $2, agent_id = $3, agent_name = $4, status = $5,
			ended_at = $6, last_message = $7, last_message_at = $8, rating = $9, feedback = $10
		WHERE id = $1
	`, conv.ConversationID, conv.CustomerName, conv.AgentID, conv.AgentName, conv.Status,
		conv.EndedAt, conv.LastMessage, conv.LastMessageAt, conv.Rating, conv.Feedback)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateLastMessage(ctx context.Context, conversationID, lastMessage string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message = $2, last_message_at = $3
		WHERE id = $1
	`, conversationID, lastMessage, at)
	if err != nil {
		return fmt.Errorf("updating last message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg types.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_type, sender_id, sender_name, content, created_at, read_by_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.MessageID, msg.ConversationID, msg.SenderType, msg.SenderID, msg.SenderName,
		msg.Content, msg.Timestamp, msg.ReadByAgent)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, sender_type, sender_id, sender_name, content, created_at, read_by_agent
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &msg.SenderType, &msg.SenderID,
			&msg.SenderName, &msg.Content, &msg.Timestamp, &msg.ReadByAgent); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY started_at DESC
	`)
}

func (s *PostgresStore) ConversationsByCustomer(ctx context.Context, customerID string) ([]types.Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE customer_id = $1
		ORDER BY started_at DESC
	`, customerID)
}

func (s *PostgresStore) OpenConversationsByAgent(ctx context.Context, agentID string) ([]types.Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE agent_id = $1 AND status <> 'closed'
		ORDER BY last_message_at DESC
	`, agentID)
}

func (s *PostgresStore) queryConversations(ctx context.Context, sql string, args ...interface{}) ([]types.Conversation, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []types.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1 AND sender_type = 'customer' AND read_by_agent = FALSE
	`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) MarkMessagesRead(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET read_by_agent = TRUE
		WHERE conversation_id = $1 AND sender_type = 'customer' AND read_by_agent = FALSE
	`, conversationID)
	if err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveFeedback(ctx context.Context, conversationID string, rating int, feedback string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET rating = $2, feedback = $3
		WHERE id = $1
	`, conversationID, rating, feedback)
	if err != nil {
		return fmt.Errorf("saving feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
