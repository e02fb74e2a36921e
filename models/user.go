package models

import "time"

// User an end user account. Authentication state lives in Session, not here.
type User struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex"`
	PasswordHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName gorm table name.
func (User) TableName() string { return "users" }
