package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chronicle/internal/temporal"
	"github.com/smallbiznis/chronicle/pkg/db/pagination"
)

type historyRow struct {
	ID         string         `json:"id"`
	RecordID   string         `json:"record_id"`
	StartedAt  time.Time      `json:"history_started_at"`
	EndedAt    *time.Time     `json:"history_ended_at,omitempty"`
	ActorID    *int64         `json:"history_user_id,omitempty"`
	SnapshotID *string        `json:"snapshot_id,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Open       bool           `json:"open"`
	Attributes map[string]any `json:"attributes"`
}

func rowToResponse(row *temporal.Row) *historyRow {
	if row == nil {
		return nil
	}
	out := &historyRow{
		ID:         row.ID.String(),
		RecordID:   row.ForeignID.String(),
		StartedAt:  row.StartedAt,
		EndedAt:    row.EndedAt,
		ActorID:    row.UserID,
		Kind:       row.Kind,
		Open:       row.Open(),
		Attributes: row.Attrs,
	}
	if row.SnapshotID != nil {
		sid := row.SnapshotID.String()
		out.SnapshotID = &sid
	}
	return out
}

func rowsToResponse(rows []*temporal.Row) []*historyRow {
	out := make([]*historyRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToResponse(row))
	}
	return out
}

// History returns the record's timeline newest-first, cursor-paginated.
func (s *Server) History(c *gin.Context) {
	meta, ok := s.resolveMeta(c)
	if !ok {
		return
	}
	id, ok := s.recordID(c)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error()))
		return
	}

	rows, info, err := s.vers.TimelineByID(c.Request.Context(), meta, id, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history":   rowsToResponse(rows),
		"page_info": info,
	})
}

// ListCurrent returns every open history row of the type.
func (s *Server) ListCurrent(c *gin.Context) {
	meta, ok := s.resolveMeta(c)
	if !ok {
		return
	}

	rows, err := s.vers.Current(c.Request.Context(), meta.NewInstance(""))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"current": rowsToResponse(rows)})
}

// TakeSnapshot captures the record and its reachable associations under one
// snapshot id.
func (s *Server) TakeSnapshot(c *gin.Context) {
	meta, ok := s.resolveMeta(c)
	if !ok {
		return
	}
	id, ok := s.recordID(c)
	if !ok {
		return
	}

	record, err := s.loadRecord(c.Request.Context(), meta, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	row, err := s.vers.Snapshot(c.Request.Context(), record, actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"history": rowToResponse(row)})
}

// LatestSnapshot returns the record's most recent snapshot row.
func (s *Server) LatestSnapshot(c *gin.Context) {
	meta, ok := s.resolveMeta(c)
	if !ok {
		return
	}
	id, ok := s.recordID(c)
	if !ok {
		return
	}

	record, err := s.loadRecord(c.Request.Context(), meta, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	row, err := s.vers.LatestSnapshot(c.Request.Context(), record)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if row == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": rowToResponse(row)})
}
