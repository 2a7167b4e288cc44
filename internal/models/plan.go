package models

import (
	"time"
)

// Plan is a purchasable tariff. TrafficGB of zero means unlimited traffic.
type Plan struct {
	ID           uint    `gorm:"primaryKey"`
	Name         string  `gorm:"size:100;not null"`
	DurationDays int     `gorm:"not null"`
	Price        float64 `gorm:"not null"`
	TrafficGB    int64   `gorm:"default:0"`
	IsActive     bool    `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}
