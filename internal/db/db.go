package db

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/aleks-frontend/ai-hero/internal/chat"
	"github.com/aleks-frontend/ai-hero/internal/models"
	"github.com/aleks-frontend/ai-hero/internal/quota"
)

func Connect(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&chat.Chat{},
		&chat.Message{},
		&quota.RequestEvent{},
	)
}
