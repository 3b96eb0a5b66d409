package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chronicle/internal/registry"
	"gorm.io/gorm"
)

// CreateRecord persists a new record and opens its history timeline. For
// polymorphic types the concrete subtype is selected with the kind query
// parameter.
func (s *Server) CreateRecord(c *gin.Context) {
	meta, ok := s.resolveMeta(c)
	if !ok {
		return
	}

	kind := c.Query("kind")
	if kind != "" {
		if _, ok := meta.SubtypeFor(kind); !ok {
			AbortWithError(c, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind))
			return
		}
	}

	record := meta.NewInstance(kind)
	if err := c.ShouldBindJSON(record); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error()))
		return
	}

	row, err := s.vers.Create(c.Request.Context(), record, actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"record":  record,
		"history": rowToResponse(row),
	})
}

// GetRecord returns the live record.
func (s *Server) GetRecord(c *gin.Context) {
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

	c.JSON(http.StatusOK, gin.H{"record": record})
}

// UpdateRecord applies a column-keyed change set. A change set that alters
// nothing observable leaves the timeline untouched.
func (s *Server) UpdateRecord(c *gin.Context) {
	meta, ok := s.resolveMeta(c)
	if !ok {
		return
	}
	id, ok := s.recordID(c)
	if !ok {
		return
	}

	var changes map[string]any
	if err := c.ShouldBindJSON(&changes); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error()))
		return
	}
	if len(changes) == 0 {
		AbortWithError(c, fmt.Errorf("%w: empty change set", ErrInvalidRequest))
		return
	}

	record, err := s.loadRecord(c.Request.Context(), meta, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	row, err := s.vers.Update(c.Request.Context(), record, changes, actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"record": record, "changed": row != nil}
	if row != nil {
		resp["history"] = rowToResponse(row)
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteRecord removes the record, honoring its soft-delete configuration.
func (s *Server) DeleteRecord(c *gin.Context) {
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

	if err := s.vers.Delete(c.Request.Context(), record, actorFrom(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// loadRecord fetches the live row and materializes it as the registered type,
// resolving the discriminator to the concrete subtype where one applies.
func (s *Server) loadRecord(ctx context.Context, meta *registry.Meta, id snowflake.ID) (any, error) {
	var raw map[string]any
	err := s.db.WithContext(ctx).Table(meta.Info.LiveTable).
		Where(meta.PKColumn+" = ?", int64(id)).
		Take(&raw).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	kind := ""
	if meta.Info.Discriminator != "" {
		kind, _ = raw[meta.Info.Discriminator].(string)
	}

	record := meta.NewInstance(kind)
	if err := meta.Populate(record, raw); err != nil {
		return nil, err
	}
	return record, nil
}
