package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Document is the base of a polymorphic hierarchy. Notes and reports share
// the documents table and the document_histories timeline; the kind column
// names the concrete subtype on every row.
type Document struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	AuthorID  snowflake.ID      `gorm:"not null;index" json:"author_id"`
	Kind      string            `gorm:"not null;index" json:"kind"`
	Title     string            `gorm:"not null" json:"title"`
	Content   string            `json:"content,omitempty"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Document) TableName() string { return "documents" }

// Note is a lightweight document subtype.
type Note struct {
	Document
	Pinned bool `gorm:"not null;default:false" json:"pinned"`
}

func (Note) TableName() string { return "documents" }

// Report is a document subtype with a review workflow.
type Report struct {
	Document
	ReviewedBy *snowflake.ID `gorm:"index" json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time    `json:"reviewed_at,omitempty"`
}

func (Report) TableName() string { return "documents" }
