package database

import (
	"fmt"
	"time"

	"payledger/internal/config"
	"payledger/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Models 需要自动迁移的表
func Models() []interface{} {
	return []interface{}{
		&model.Transaction{},
		&model.BalanceSnapshot{},
		&model.UserBalance{},
		&model.TransactionLog{},
		&model.IdempotencyKey{},
		&model.PaymentMethod{},
		&model.ReconciliationAlert{},
		&model.ReconcileCursor{},
		&model.OutboxMessage{},
	}
}

// Dialector 根据 driver 构造 gorm 方言
func Dialector(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql", "":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
		return postgres.Open(dsn), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "payledger.db"
		}
		return sqlite.Open(path), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Open 建立连接、配置连接池并迁移表结构
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	logLevel := logger.Warn
	if cfg.LogSQL {
		logLevel = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return db, nil
}

// MustOpen 启动时使用，失败直接退出
func MustOpen(cfg *config.DatabaseConfig, log *zap.Logger) *gorm.DB {
	db, err := Open(cfg)
	if err != nil {
		log.Fatal("连接数据库失败", zap.String("driver", cfg.Driver), zap.Error(err))
	}
	DB = db
	log.Info("数据库连接成功", zap.String("driver", cfg.Driver))
	return db
}

// SeedPaymentMethods 写入配置中的支付方式，已存在的按 code 更新费率和开关
func SeedPaymentMethods(db *gorm.DB, methods []config.PaymentMethodConfig) error {
	for _, pm := range methods {
		feePercent, feeFixed, minAmount, maxAmount, err := pm.Decimals()
		if err != nil {
			return err
		}
		row := model.PaymentMethod{
			Code:             pm.Code,
			Name:             pm.Name,
			Provider:         pm.Provider,
			IsActive:         pm.Active,
			FeePercent:       feePercent,
			FeeFixed:         feeFixed,
			MinAmount:        minAmount,
			MaxAmount:        maxAmount,
			SupportsDeposit:  pm.SupportsDeposit,
			SupportsWithdraw: pm.SupportsWithdraw,
		}
		err = db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "provider", "is_active", "fee_percent", "fee_fixed",
				"min_amount", "max_amount", "supports_deposit", "supports_withdraw",
			}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("seed payment method %s: %w", pm.Code, err)
		}
	}
	return nil
}
