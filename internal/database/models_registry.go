package database

import "officechat/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Chat{},
		&models.ChatMember{},
		&models.Message{},
		&models.MessageRead{},
		&models.DirectChatPair{},
	}
}
