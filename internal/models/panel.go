package models

import (
	"time"
)

// Panel is one proxy-management panel instance hosting remote clients.
type Panel struct {
	ID               uint   `gorm:"primaryKey"`
	Name             string `gorm:"size:100;not null"`
	Location         string `gorm:"size:100"`
	BaseURL          string `gorm:"size:512;not null"`
	Username         string `gorm:"size:255"`
	Password         string `gorm:"size:255"`
	DefaultInboundID int    `gorm:"not null"`
	IsActive         bool   `gorm:"default:true"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
