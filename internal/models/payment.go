package models

import (
	"time"
)

type Payment struct {
	ID             uint    `gorm:"primaryKey"`
	UserID         uint    `gorm:"not null;index"`
	SubscriptionID *uint   `gorm:"index"`
	Amount         float64 `gorm:"not null"`
	Status         string  `gorm:"default:'pending'"`
	Type           string  `gorm:"size:50"`
	Method         string  `gorm:"size:50"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
