package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConversationRepository stores chat transcripts.
type ConversationRepository struct {
	db  *sql.DB
	now func() time.Time
}

func newConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db, now: time.Now}
}

const conversationColumns = `c.id, c.guid, c.provider, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)`

func scanConversation(scanner interface{ Scan(...any) error }) (*conversationModel, error) {
	var m conversationModel
	err := scanner.Scan(&m.ID, &m.GUID, &m.Provider, &m.CreatedAt, &m.UpdatedAt, &m.MessageCount)
	return &m, err
}

// SaveSession inserts c, or updates the provider and timestamp of the
// conversation with the same guid. c.ID is set on return.
func (r *ConversationRepository) SaveSession(c *Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	model := toConversationModel(c)

	err := r.db.QueryRow(
		`INSERT INTO conversations (guid, provider, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(guid) DO UPDATE SET provider = excluded.provider, updated_at = excluded.updated_at
		 RETURNING id`,
		model.GUID, model.Provider, model.CreatedAt, model.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// FindByGUID returns the conversation with guid.
func (r *ConversationRepository) FindByGUID(guid string) (*Conversation, error) {
	row := r.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations c WHERE c.guid = ?`, guid)
	model, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, guid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return model.toDomain(), nil
}

// AppendMessage adds a message to the end of the conversation with guid.
func (r *ConversationRepository) AppendMessage(guid, role, content string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRow(`SELECT id FROM conversations WHERE guid = ?`, guid).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, guid)
	}
	if err != nil {
		return fmt.Errorf("failed to find conversation: %w", err)
	}

	now := r.now().Unix()
	if _, err := tx.Exec(
		`INSERT INTO messages (conversation_id, seq, role, content, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?)`,
		id, id, role, content, now,
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return tx.Commit()
}

// Messages returns the transcript of guid in append order.
func (r *ConversationRepository) Messages(guid string) ([]Message, error) {
	if _, err := r.FindByGUID(guid); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(
		`SELECT m.seq, m.role, m.content, m.created_at
		 FROM messages m JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.guid = ? ORDER BY m.seq`,
		guid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var created int64
		if err := rows.Scan(&msg.Seq, &msg.Role, &msg.Content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = time.Unix(created, 0)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ListSessions returns up to limit conversations, most recently updated
// first. A non-positive limit returns all of them.
func (r *ConversationRepository) ListSessions(limit int) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c ORDER BY c.updated_at DESC, c.id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		model, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, model.toDomain())
	}
	return out, rows.Err()
}

// DeleteSession removes the conversation with guid and its messages.
func (r *ConversationRepository) DeleteSession(guid string) error {
	result, err := r.db.Exec(`DELETE FROM conversations WHERE guid = ?`, guid)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, guid)
	}
	return nil
}
