package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/ragchat/internal/chat"
	"github.com/suPer8Hu/ragchat/internal/ingest"
	"github.com/suPer8Hu/ragchat/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open picks the driver from the DSN: "sqlite:<path>" and "file:<...>" use
// the pure-Go SQLite driver, anything else is a MySQL DSN.
func Open(dsn string) (*gorm.DB, error) {
	gl := logger.New(log.New(os.Stdout, "", log.LstdFlags), logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		dialector = gormsqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "file:"):
		dialector = gormsqlite.Open(dsn)
	default:
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if dialector.Name() == "sqlite" {
		// SQLite allows one writer; serialize through a single connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return gdb, nil
}

// Migrate creates or updates every table the services use.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&chat.Session{},
		&chat.Message{},
		&ingest.Job{},
	)
}

// Connect opens and migrates the database, exiting on failure.
func Connect(dsn string) *gorm.DB {
	gdb, err := Open(dsn)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
