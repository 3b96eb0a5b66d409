// Package archivetest provisions an in-memory database and registry
// populated with the archive domain, for tests across the versioning core.
package archivetest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/chronicle/internal/archive"
	"github.com/smallbiznis/chronicle/internal/archive/domain"
	"github.com/smallbiznis/chronicle/internal/observability"
	"github.com/smallbiznis/chronicle/internal/registry"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var historyDDL = []string{
	`CREATE TABLE author_histories (
		id INTEGER PRIMARY KEY,
		author_id INTEGER NOT NULL,
		history_started_at DATETIME NOT NULL,
		history_ended_at DATETIME,
		history_user_id INTEGER,
		snapshot_id INTEGER,
		name TEXT,
		email TEXT,
		bio TEXT,
		metadata TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		UNIQUE (author_id, history_started_at)
	)`,
	`CREATE TABLE post_histories (
		id INTEGER PRIMARY KEY,
		post_id INTEGER NOT NULL,
		history_started_at DATETIME NOT NULL,
		history_ended_at DATETIME,
		history_user_id INTEGER,
		snapshot_id INTEGER,
		author_id INTEGER,
		title TEXT,
		body TEXT,
		published BOOLEAN,
		metadata TEXT,
		deleted_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME,
		UNIQUE (post_id, history_started_at)
	)`,
	`CREATE TABLE comment_histories (
		id INTEGER PRIMARY KEY,
		comment_id INTEGER NOT NULL,
		history_started_at DATETIME NOT NULL,
		history_ended_at DATETIME,
		history_user_id INTEGER,
		snapshot_id INTEGER,
		post_id INTEGER,
		author_id INTEGER,
		body TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		UNIQUE (comment_id, history_started_at)
	)`,
	`CREATE TABLE document_histories (
		id INTEGER PRIMARY KEY,
		document_id INTEGER NOT NULL,
		history_started_at DATETIME NOT NULL,
		history_ended_at DATETIME,
		history_user_id INTEGER,
		snapshot_id INTEGER,
		author_id INTEGER,
		kind TEXT,
		title TEXT,
		content TEXT,
		metadata TEXT,
		pinned BOOLEAN,
		reviewed_by INTEGER,
		reviewed_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME,
		UNIQUE (document_id, history_started_at)
	)`,
}

// OpenDB opens a fresh in-memory database with the archive live tables and
// their history tables provisioned.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// One AutoMigrate call per model: gorm keeps only one model per table
	// name within a single call, which would silently drop the subtype
	// columns that Note and Report add to the shared documents table.
	for _, model := range []interface{}{
		&domain.Author{},
		&domain.Post{},
		&domain.Comment{},
		&domain.Document{},
		&domain.Note{},
		&domain.Report{},
	} {
		require.NoError(t, conn.AutoMigrate(model))
	}
	for _, ddl := range historyDDL {
		require.NoError(t, conn.Exec(ddl).Error)
	}
	return conn
}

// NewRegistry returns a registry with the archive domain registered.
func NewRegistry(t testing.TB) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, archive.RegisterTypes(reg))
	return reg
}

// NewMetrics returns instruments bound to a private prometheus registry so
// tests never collide on the process-wide one.
func NewMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}
