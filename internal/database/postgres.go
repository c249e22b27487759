package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securechat/internal/models"
	"securechat/pkg/logger"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

// Pool exposes the connection pool for schema migrations.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// translate maps driver errors onto the shared taxonomy.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s exists", models.ErrConflict, what)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s references a missing row", models.ErrNotFound, what)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func affected(tag pgconn.CommandTag, what string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, what)
	}
	return nil
}

// Conversation Repository Implementation
func (db *PostgresDB) CreateConversation(ctx context.Context, conv *models.Conversation, members []models.Member) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO conversations (id, kind, name, owner, auto_delete, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := tx.Exec(ctx, query, conv.ID, string(conv.Kind), conv.Name, conv.Owner,
			string(conv.AutoDelete), conv.CreatedAt); err != nil {
			return translate(err, "conversation "+conv.ID)
		}

		for _, m := range members {
			if err := insertMember(ctx, tx, conv.ID, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *PostgresDB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, kind, name, owner, auto_delete, updated_by, updated_at, created_at
		FROM conversations WHERE id = $1`

	c, err := scanConversation(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err, "conversation "+id)
	}
	return c, nil
}

func (db *PostgresDB) ListUserConversations(ctx context.Context, identity string) ([]*models.Conversation, error) {
	query := `
		SELECT c.id, c.kind, c.name, c.owner, c.auto_delete, c.updated_by, c.updated_at, c.created_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.identity = $1
		ORDER BY c.id`

	rows, err := db.pool.Query(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *PostgresDB) SetAutoDelete(ctx context.Context, id string, policy models.AutoDeletePolicy, updatedBy string, at time.Time) error {
	query := `UPDATE conversations SET auto_delete = $2, updated_by = $3, updated_at = $4 WHERE id = $1`

	tag, err := db.pool.Exec(ctx, query, id, string(policy), updatedBy, at)
	if err != nil {
		return translate(err, "conversation "+id)
	}
	return affected(tag, "conversation "+id)
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var (
		c            models.Conversation
		kind, policy string
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &c.Owner, &policy, &c.UpdatedBy, &c.UpdatedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Kind = models.ConversationKind(kind)
	c.AutoDelete = models.AutoDeletePolicy(policy)
	return &c, nil
}

// Membership Repository Implementation
func insertMember(ctx context.Context, tx pgx.Tx, conversationID string, m models.Member) error {
	query := `
		INSERT INTO conversation_members (conversation_id, identity, role, added_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, query, conversationID, m.Identity, string(m.Role), m.AddedAt); err != nil {
		return translate(err, "member "+m.Identity)
	}
	return nil
}

func (db *PostgresDB) AddMember(ctx context.Context, conversationID string, member models.Member) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return insertMember(ctx, tx, conversationID, member)
	})
}

func (db *PostgresDB) RemoveMember(ctx context.Context, conversationID, identity string) error {
	query := `DELETE FROM conversation_members WHERE conversation_id = $1 AND identity = $2`

	tag, err := db.pool.Exec(ctx, query, conversationID, identity)
	if err != nil {
		return translate(err, "member "+identity)
	}
	return affected(tag, identity+" in "+conversationID)
}

func (db *PostgresDB) GetMember(ctx context.Context, conversationID, identity string) (*models.Member, error) {
	query := `SELECT identity, role, added_at FROM conversation_members WHERE conversation_id = $1 AND identity = $2`

	var (
		m    models.Member
		role string
	)
	if err := db.pool.QueryRow(ctx, query, conversationID, identity).Scan(&m.Identity, &role, &m.AddedAt); err != nil {
		return nil, translate(err, identity+" in "+conversationID)
	}
	m.Role = models.Role(role)
	return &m, nil
}

func (db *PostgresDB) GetMembers(ctx context.Context, conversationID string) ([]models.Member, error) {
	if _, err := db.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	query := `
		SELECT identity, role, added_at FROM conversation_members
		WHERE conversation_id = $1 ORDER BY identity`

	rows, err := db.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	defer rows.Close()

	out := make([]models.Member, 0)
	for rows.Next() {
		var (
			m    models.Member
			role string
		)
		if err := rows.Scan(&m.Identity, &role, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Role = models.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Message Repository Implementation
const messageColumns = `id, conversation_id, sender, payload, seq, created_at, expires_at, delivered, read`

func scanMessage(row pgx.Row) (*models.Message, error) {
	m := &models.Message{}
	err := row.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Payload, &m.Seq,
		&m.CreatedAt, &m.ExpiresAt, &m.Delivered, &m.Read)
	return m, err
}

func collectMessages(rows pgx.Rows) ([]*models.Message, error) {
	defer rows.Close()
	out := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *PostgresDB) SaveMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`

	err := db.pool.QueryRow(ctx, query, msg.ID, msg.ConversationID, msg.Sender, msg.Payload,
		msg.CreatedAt, msg.ExpiresAt).Scan(&msg.Seq)
	return translate(err, "message "+msg.ID)
}

func (db *PostgresDB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	m, err := scanMessage(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err, "message "+id)
	}
	return m, nil
}

func (db *PostgresDB) LoadHistory(ctx context.Context, conversationID string) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, seq`

	rows, err := db.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return collectMessages(rows)
}

func (db *PostgresDB) DeleteMessage(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return translate(err, "message "+id)
	}
	return affected(tag, "message "+id)
}

func (db *PostgresDB) ClearConversation(ctx context.Context, conversationID string) (int, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear conversation: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (db *PostgresDB) DeleteExpired(ctx context.Context, now time.Time) ([]*models.Message, error) {
	query := `
		DELETE FROM messages
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		RETURNING ` + messageColumns

	rows, err := db.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	sortMessages(out)
	return out, nil
}

func (db *PostgresDB) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx, `UPDATE messages SET delivered = TRUE WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

func (db *PostgresDB) MarkRead(ctx context.Context, conversationID, reader string, ids []string) ([]string, error) {
	query := `
		UPDATE messages SET read = TRUE, delivered = TRUE
		WHERE conversation_id = $1 AND sender <> $2 AND NOT read AND id = ANY($3)
		RETURNING id`

	rows, err := db.pool.Query(ctx, query, conversationID, reader, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	return changed, nil
}

// Note Repository Implementation
func (db *PostgresDB) SaveNote(ctx context.Context, note *models.SharedNote) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO shared_notes (id, conversation_id, title, creator, content, recipient, escrowed_key,
				created_at, last_edited_by, last_edited_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		if _, err := tx.Exec(ctx, query, note.ID, note.ConversationID, note.Title, note.Creator, note.Content,
			note.Recipient, note.EscrowedKey, note.CreatedAt, note.LastEditedBy, note.LastEditedAt); err != nil {
			return translate(err, "note "+note.ID)
		}
		return writeNoteChildren(ctx, tx, note)
	})
}

func (db *PostgresDB) UpdateNote(ctx context.Context, note *models.SharedNote) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE shared_notes SET title = $2, content = $3, recipient = $4, escrowed_key = $5,
				last_edited_by = $6, last_edited_at = $7
			WHERE id = $1`
		tag, err := tx.Exec(ctx, query, note.ID, note.Title, note.Content, note.Recipient, note.EscrowedKey,
			note.LastEditedBy, note.LastEditedAt)
		if err != nil {
			return translate(err, "note "+note.ID)
		}
		if err := affected(tag, "note "+note.ID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM note_keys WHERE note_id = $1`, note.ID); err != nil {
			return fmt.Errorf("failed to reset note keys: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM note_delete_requests WHERE note_id = $1`, note.ID); err != nil {
			return fmt.Errorf("failed to reset delete requests: %w", err)
		}
		return writeNoteChildren(ctx, tx, note)
	})
}

func writeNoteChildren(ctx context.Context, tx pgx.Tx, note *models.SharedNote) error {
	batch := &pgx.Batch{}
	for identity, k := range note.Keys {
		batch.Queue(`
			INSERT INTO note_keys (note_id, identity, verifier, wrapped_key, set_at)
			VALUES ($1, $2, $3, $4, $5)`, note.ID, identity, k.Verifier, k.WrappedKey, k.SetAt)
	}
	for identity, at := range note.DeleteRequests {
		batch.Queue(`
			INSERT INTO note_delete_requests (note_id, identity, requested_at)
			VALUES ($1, $2, $3)`, note.ID, identity, at)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write note state: %w", err)
	}
	return nil
}

const noteColumns = `id, conversation_id, title, creator, content, recipient, escrowed_key, created_at,
	last_edited_by, last_edited_at`

func scanNote(row pgx.Row) (*models.SharedNote, error) {
	n := &models.SharedNote{
		Keys:           make(map[string]*models.NoteKey),
		DeleteRequests: make(map[string]time.Time),
	}
	err := row.Scan(&n.ID, &n.ConversationID, &n.Title, &n.Creator, &n.Content, &n.Recipient,
		&n.EscrowedKey, &n.CreatedAt, &n.LastEditedBy, &n.LastEditedAt)
	return n, err
}

func (db *PostgresDB) GetNote(ctx context.Context, id string) (*models.SharedNote, error) {
	n, err := scanNote(db.pool.QueryRow(ctx, `SELECT `+noteColumns+` FROM shared_notes WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "note "+id)
	}
	if err := db.loadNoteChildren(ctx, map[string]*models.SharedNote{n.ID: n}); err != nil {
		return nil, err
	}
	return n, nil
}

func (db *PostgresDB) ListNotes(ctx context.Context, conversationID string) ([]*models.SharedNote, error) {
	query := `SELECT ` + noteColumns + ` FROM shared_notes WHERE conversation_id = $1 ORDER BY created_at, id`

	rows, err := db.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	out := make([]*models.SharedNote, 0)
	byID := make(map[string]*models.SharedNote)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		out = append(out, n)
		byID[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.loadNoteChildren(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *PostgresDB) loadNoteChildren(ctx context.Context, notes map[string]*models.SharedNote) error {
	if len(notes) == 0 {
		return nil
	}
	ids := make([]string, 0, len(notes))
	for id := range notes {
		ids = append(ids, id)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT note_id, identity, verifier, wrapped_key, set_at FROM note_keys WHERE note_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to load note keys: %w", err)
	}
	for rows.Next() {
		var (
			noteID, identity string
			k                models.NoteKey
		)
		if err := rows.Scan(&noteID, &identity, &k.Verifier, &k.WrappedKey, &k.SetAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan note key: %w", err)
		}
		notes[noteID].Keys[identity] = &k
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = db.pool.Query(ctx,
		`SELECT note_id, identity, requested_at FROM note_delete_requests WHERE note_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to load delete requests: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			noteID, identity string
			at               time.Time
		)
		if err := rows.Scan(&noteID, &identity, &at); err != nil {
			return fmt.Errorf("failed to scan delete request: %w", err)
		}
		notes[noteID].DeleteRequests[identity] = at
	}
	return rows.Err()
}

func (db *PostgresDB) DeleteNote(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM shared_notes WHERE id = $1`, id)
	if err != nil {
		return translate(err, "note "+id)
	}
	return affected(tag, "note "+id)
}

// Public Key Repository Implementation
func (db *PostgresDB) SetPublicKey(ctx context.Context, key *models.PublicKey) error {
	query := `
		INSERT INTO public_keys (identity, public_key, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE SET public_key = EXCLUDED.public_key, updated_at = EXCLUDED.updated_at`

	if _, err := db.pool.Exec(ctx, query, key.Identity, key.Key, key.UpdatedAt); err != nil {
		return fmt.Errorf("failed to store public key: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetPublicKey(ctx context.Context, identity string) (*models.PublicKey, error) {
	query := `SELECT identity, public_key, updated_at FROM public_keys WHERE identity = $1`

	k := &models.PublicKey{}
	if err := db.pool.QueryRow(ctx, query, identity).Scan(&k.Identity, &k.Key, &k.UpdatedAt); err != nil {
		return nil, translate(err, "public key for "+identity)
	}
	return k, nil
}
