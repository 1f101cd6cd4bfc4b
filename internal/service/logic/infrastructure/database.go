package infrastructure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"storelogic/internal/pkg/bootstrap"
	"storelogic/internal/pkg/logger"
	"storelogic/internal/service/logic/domain"
)

// MySQLDSN 根据配置拼接 DSN；显式配置的 DSN 优先。
func MySQLDSN(cfg bootstrap.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	dc := mysqldriver.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = cfg.Host + ":" + strconv.Itoa(cfg.Port)
	dc.DBName = cfg.Name
	dc.ParseTime = true
	dc.Loc = time.UTC
	dc.Params = map[string]string{"charset": "utf8mb4"}
	return dc.FormatDSN()
}

// OpenRepository 按 driver 打开仓储，返回的 close 函数负责释放连接池。
func OpenRepository(ctx context.Context, cfg bootstrap.DatabaseConfig) (domain.ScriptRepository, func() error, error) {
	switch cfg.Driver {
	case "", "mysql":
		db, err := gorm.Open(mysql.Open(MySQLDSN(cfg)), &gorm.Config{
			SkipDefaultTransaction: true,
			Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "open mysql")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, errors.Wrap(err, "get sql.DB")
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}

		repo := NewGormScriptRepository(db)
		if cfg.AutoMigrate {
			if err := repo.AutoMigrate(ctx); err != nil {
				sqlDB.Close()
				return nil, nil, err
			}
		}
		logger.Ctx(ctx).Info().Str("addr", cfg.Host).Str("db", cfg.Name).Msg("MySQL repository ready")
		return repo, sqlDB.Close, nil

	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:logic_scripts.db"
		}
		db, err := OpenSQLite(dsn)
		if err != nil {
			return nil, nil, err
		}
		repo := NewSQLiteScriptRepository(db)
		// sqlite 总是建表，嵌入式部署没有独立的迁移步骤
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Ctx(ctx).Info().Str("dsn", dsn).Msg("SQLite repository ready")
		return repo, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
