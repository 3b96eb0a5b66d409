package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Author writes posts. Authors, posts and comments form a cyclic association
// graph (author -> posts -> comments -> post), which snapshot traversal must
// terminate on.
type Author struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name      string            `gorm:"not null" json:"name"`
	Email     string            `gorm:"not null;index" json:"email"`
	Bio       string            `json:"bio,omitempty"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Posts []*Post `gorm:"foreignKey:AuthorID" json:"posts,omitempty"`
}

// Post belongs to an author and owns comments. Posts soft-delete: removal
// marks deleted_at and the marked state lands on the history timeline.
type Post struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	AuthorID  snowflake.ID      `gorm:"not null;index" json:"author_id"`
	Title     string            `gorm:"not null" json:"title"`
	Body      string            `json:"body,omitempty"`
	Published bool              `gorm:"not null;default:false" json:"published"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	DeletedAt *time.Time        `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Author   *Author    `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Comments []*Comment `gorm:"foreignKey:PostID" json:"comments,omitempty"`
	Summary  *Summary   `gorm:"foreignKey:PostID" json:"summary,omitempty"`
}

// Comment closes the association cycle back to its post.
type Comment struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	PostID    snowflake.ID `gorm:"not null;index" json:"post_id"`
	AuthorID  snowflake.ID `gorm:"not null;index" json:"author_id"`
	Body      string       `gorm:"not null" json:"body"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Post *Post `gorm:"foreignKey:PostID" json:"post,omitempty"`
}

// Summary is backed by a database view aggregating a post's engagement. It
// has no primary key, so it is never versioned and snapshot traversal skips
// it.
type Summary struct {
	PostID       snowflake.ID `json:"post_id"`
	CommentCount int64        `json:"comment_count"`
	LastActivity *time.Time   `json:"last_activity,omitempty"`
}

func (Summary) TableName() string { return "post_summaries" }
