// Package content is the persistence collaborator for posts and their
// generated text variants. The scheduling core only reads the minimal
// fields it needs: existence, ownership, platform, and variant text.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"postflow/internal/models"
)

// Post is the minimal post projection the scheduler needs.
type Post struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Platform  models.Platform `json:"platform"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Post status values mirrored from the publication flow.
const (
	PostStatusDraft     = "draft"
	PostStatusScheduled = "scheduled"
	PostStatusPublished = "published"
)

// Variant is one generated text candidate for a post.
type Variant struct {
	ID      int64  `json:"id"`
	PostID  int64  `json:"post_id"`
	Content string `json:"content"`
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreatePost inserts a draft post for the user.
func (s *Store) CreatePost(ctx context.Context, userID int64, platform models.Platform) (Post, error) {
	post := Post{UserID: userID, Platform: platform, Status: PostStatusDraft}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (user_id, platform, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, userID, string(platform), PostStatusDraft).Scan(&post.ID, &post.CreatedAt)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return post, nil
}

// CreateVariants inserts generated texts for a post, returning them with
// assigned ids.
func (s *Store) CreateVariants(ctx context.Context, postID int64, texts []string) ([]Variant, error) {
	variants := make([]Variant, 0, len(texts))
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, text := range texts {
		v := Variant{PostID: postID, Content: text}
		if err := tx.QueryRow(ctx, `
			INSERT INTO post_variants (post_id, content)
			VALUES ($1, $2)
			RETURNING id
		`, postID, text).Scan(&v.ID); err != nil {
			return nil, fmt.Errorf("insert variant: %w", err)
		}
		variants = append(variants, v)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit variants: %w", err)
	}
	return variants, nil
}

// GetPost fetches a post by id.
func (s *Store) GetPost(ctx context.Context, id int64) (Post, error) {
	var post Post
	var platform string
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, platform, status, created_at FROM posts WHERE id = $1
	`, id).Scan(&post.ID, &post.UserID, &platform, &post.Status, &post.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, fmt.Errorf("post %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return Post{}, fmt.Errorf("get post %d: %w", id, err)
	}
	post.Platform = models.Platform(platform)
	return post, nil
}

// GetVariant fetches a variant scoped to its post.
func (s *Store) GetVariant(ctx context.Context, id, postID int64) (Variant, error) {
	var v Variant
	err := s.pool.QueryRow(ctx, `
		SELECT id, post_id, content FROM post_variants WHERE id = $1 AND post_id = $2
	`, id, postID).Scan(&v.ID, &v.PostID, &v.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return Variant{}, fmt.Errorf("variant %d of post %d: %w", id, postID, models.ErrNotFound)
	}
	if err != nil {
		return Variant{}, fmt.Errorf("get variant %d: %w", id, err)
	}
	return v, nil
}

// MarkScheduled flags a post as having at least one scheduled job.
func (s *Store) MarkScheduled(ctx context.Context, postID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2 WHERE id = $1 AND status <> $3
	`, postID, PostStatusScheduled, PostStatusPublished)
	return err
}

// MarkPublished flags a post as published.
func (s *Store) MarkPublished(ctx context.Context, postID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2 WHERE id = $1
	`, postID, PostStatusPublished)
	return err
}
