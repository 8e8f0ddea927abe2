package models

import (
	"time"

	"gorm.io/gorm"
)

// UserType represents the type of user
type UserType string

const (
	UserTypeAdmin  UserType = "Admin"
	UserTypeMember UserType = "Member"
)

// User is the payer behind a collaboration. Profile management lives in
// another system; only the fields the collections engine reports on are
// kept here.
type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name          string   `gorm:"type:varchar(255)" json:"name"`
	Email         string   `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	DocumentVatID string   `gorm:"type:varchar(20)" json:"document_vatid"`
	UserType      UserType `gorm:"type:varchar(20);default:'Member'" json:"user_type"`

	// Relationships
	Collaborations []Collaboration `gorm:"foreignKey:UserID" json:"collaborations,omitempty"`
	Orders         []Order         `gorm:"foreignKey:UserID" json:"orders,omitempty"`
}
