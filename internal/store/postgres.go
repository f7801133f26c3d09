package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KAPSULA1/relaydesk/internal/model"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// uniqueViolation PostgreSQL 唯一約束錯誤碼
const uniqueViolation = "23505"

// Postgres PostgreSQL 存儲實現
//
// 所有 UUID 欄位在 SELECT 時轉為 text，模型層只處理字串。
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 創建 PostgreSQL 存儲
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const userColumns = `id::text, username, email, password_hash, is_active, date_joined`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsActive, &u.DateJoined); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// GetUser 依 ID 取得用戶
func (p *Postgres) GetUser(ctx context.Context, id string) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.ErrUserNotFound
	}
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByUsername 依用戶名取得用戶
func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// CreateUser 建立用戶
func (p *Postgres) CreateUser(ctx context.Context, username, email, passwordHash string) (*model.User, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		uuid.NewString(), username, email, passwordHash,
	)
	u, err := scanUser(row)
	if isUniqueViolation(err) {
		return nil, apperrors.New(apperrors.ErrCodeAlreadyExists, "username already taken")
	}
	return u, err
}

const roomSelect = `
	SELECT r.id::text, r.name, r.slug, r.description, COALESCE(r.created_by::text, ''),
	       r.created_at, r.updated_at, r.is_active,
	       (SELECT COUNT(*) FROM messages m WHERE m.room_id = r.id)
	FROM rooms r`

func scanRoom(row pgx.Row) (*model.Room, error) {
	var r model.Room
	err := row.Scan(&r.ID, &r.Name, &r.Slug, &r.Description, &r.CreatedBy,
		&r.CreatedAt, &r.UpdatedAt, &r.IsActive, &r.MessageCount)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetActiveRoom 取得啟用中的房間
func (p *Postgres) GetActiveRoom(ctx context.Context, slug string) (*model.Room, error) {
	r, err := scanRoom(p.pool.QueryRow(ctx, roomSelect+` WHERE r.slug = $1 AND r.is_active`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrRoomNotFound.WithDetails(slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", slug, err)
	}
	return r, nil
}

// ListActiveRooms 列出啟用中的房間
func (p *Postgres) ListActiveRooms(ctx context.Context) ([]model.Room, error) {
	rows, err := p.pool.Query(ctx, roomSelect+` WHERE r.is_active ORDER BY r.name`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0)
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, *r)
	}
	return rooms, rows.Err()
}

// CreateRoom 建立房間
//
// 名稱不分大小寫唯一；slug 衝突時加上 -N 後綴。
func (p *Postgres) CreateRoom(ctx context.Context, in CreateRoomInput) (*model.Room, error) {
	name, err := ValidateRoomName(in.Name)
	if err != nil {
		return nil, err
	}

	var nameTaken bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM rooms WHERE LOWER(name) = LOWER($1))`, name,
	).Scan(&nameTaken); err != nil {
		return nil, fmt.Errorf("check room name: %w", err)
	}
	if nameTaken {
		return nil, apperrors.ErrRoomAlreadyExists
	}

	slug, err := uniqueSlug(ctx, Slugify(name), func(ctx context.Context, s string) (bool, error) {
		var exists bool
		err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rooms WHERE slug = $1)`, s).Scan(&exists)
		return exists, err
	})
	if err != nil {
		return nil, fmt.Errorf("choose room slug: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	_, err = p.pool.Exec(ctx, `
		INSERT INTO rooms (id, name, slug, description, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6, $6)`,
		id, name, slug, in.Description, in.CreatedBy, now,
	)
	if isUniqueViolation(err) {
		return nil, apperrors.ErrRoomAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	return &model.Room{
		ID:          id,
		Name:        name,
		Slug:        slug,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsActive:    true,
	}, nil
}

// CreateMessage 在房間中建立訊息
func (p *Postgres) CreateMessage(ctx context.Context, roomSlug string, author model.Identity, content string) (*model.Message, error) {
	now := time.Now().UTC()
	msg := &model.Message{
		ID:        uuid.NewString(),
		User:      model.UserSummary{ID: author.ID, Username: author.Username},
		Username:  author.Username,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := p.pool.QueryRow(ctx, `
		WITH r AS (SELECT id FROM rooms WHERE slug = $2 AND is_active)
		INSERT INTO messages (id, room_id, user_id, content, created_at, updated_at)
		SELECT $1, r.id, $3, $4, $5, $5 FROM r
		RETURNING room_id::text`,
		msg.ID, roomSlug, author.ID, content, now,
	).Scan(&msg.Room)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomSlug)
	}
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListMessages 列出房間訊息（由舊到新）
func (p *Postgres) ListMessages(ctx context.Context, roomSlug string, page Page) ([]model.Message, error) {
	page = page.normalize()

	var before *time.Time
	if !page.Before.IsZero() {
		before = &page.Before
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, room_id, user_id, username, content, created_at, updated_at, is_edited FROM (
			SELECT m.id::text AS id, m.room_id::text AS room_id, m.user_id::text AS user_id,
			       u.username, m.content, m.created_at, m.updated_at, m.is_edited
			FROM messages m
			JOIN rooms r ON r.id = m.room_id
			JOIN users u ON u.id = m.user_id
			WHERE r.slug = $1 AND ($2::timestamptz IS NULL OR m.created_at < $2)
			ORDER BY m.created_at DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC`,
		roomSlug, before, page.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, page.Limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.Room, &m.User.ID, &m.User.Username,
			&m.Content, &m.CreatedAt, &m.UpdatedAt, &m.IsEdited); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Username = m.User.Username
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Ping 檢查資料庫連線
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "database service unavailable")
	}
	return nil
}

// Close 關閉連線池
func (p *Postgres) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
