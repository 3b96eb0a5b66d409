package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chronicle/internal/registry"
)

const HeaderActor = "X-Actor-Id"

// actorFrom reads the acting user's identity from the request. A nil return
// means no actor was supplied; whether that is acceptable is decided by the
// effective actor policy, not here.
func actorFrom(c *gin.Context) *int64 {
	raw := strings.TrimSpace(c.GetHeader(HeaderActor))
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// resolveMeta maps the :type path segment (a live table name) to the
// registered type behind it.
func (s *Server) resolveMeta(c *gin.Context) (*registry.Meta, bool) {
	table := c.Param("type")
	meta, ok := s.reg.LookupTable(table)
	if !ok {
		AbortWithError(c, ErrNotFound)
		return nil, false
	}
	return meta, true
}

func (s *Server) recordID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return id, true
}
