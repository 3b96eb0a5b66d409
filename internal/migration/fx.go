package migration

import (
	"github.com/smallbiznis/chronicle/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module applies the embedded migrations on startup. Only the postgres
// dialect is migrated this way; sqlite instances (tests, scratch setups)
// provision their schema through AutoMigrate.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
