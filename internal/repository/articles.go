package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forem/forem-sub087/internal/database"
)

// DigestQuery bounds a digest selection.
type DigestQuery struct {
	UserID   int64
	Since    time.Time
	MinScore int
	Limit    int
}

// ArticleRepository reads published articles for digests.
type ArticleRepository struct {
	db *sqlx.DB
}

// NewArticleRepository creates a new article repository.
func NewArticleRepository(db *database.DB) *ArticleRepository {
	return &ArticleRepository{db: db.DB}
}

// ForDigest returns the highest scored articles published since q.Since by authors the user
// follows or tagged with tags the user follows. The user's own articles are left out.
func (r *ArticleRepository) ForDigest(ctx context.Context, q DigestQuery) ([]database.Article, error) {
	var articles []database.Article
	err := r.db.SelectContext(ctx, &articles, `
		SELECT a.id, a.title, a.path, a.score, a.published_at
		FROM articles a
		WHERE a.published = true
		  AND a.published_at >= $2
		  AND a.score >= $3
		  AND a.user_id <> $1
		  AND (
			a.user_id IN (
				SELECT f.followable_id FROM follows f
				WHERE f.follower_id = $1 AND f.followable_type = 'User' AND f.blocked = false
			)
			OR EXISTS (
				SELECT 1
				FROM taggings t
				JOIN follows f ON f.followable_id = t.tag_id
				WHERE t.taggable_id = a.id
				  AND t.taggable_type = 'Article'
				  AND f.follower_id = $1
				  AND f.followable_type = 'ActsAsTaggableOn::Tag'
				  AND f.blocked = false
			)
		  )
		ORDER BY a.score DESC, a.published_at DESC
		LIMIT $4`, q.UserID, q.Since, q.MinScore, q.Limit)
	if err != nil {
		return nil, wrapDBError("digest_articles", err)
	}
	return articles, nil
}
