package database

import (
	"fmt"
	"sync/atomic"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var memSeq int64

// OpenMemory 打开一个独立的内存 sqlite 库并完成迁移，供测试和本地调试使用
func OpenMemory() (*gorm.DB, error) {
	name := fmt.Sprintf("file:payledger_mem_%d?mode=memory&cache=shared&_busy_timeout=5000", atomic.AddInt64(&memSeq, 1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	return db, nil
}
