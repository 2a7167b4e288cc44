// Package dbtest opens migrated in-memory databases and seeds fixtures for tests.
package dbtest

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"popovka-vpn/internal/database"
	"popovka-vpn/internal/models"
)

func New(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func User(t *testing.T, db *gorm.DB, telegramID int64, balance float64) models.User {
	t.Helper()
	u := models.User{TelegramID: telegramID, Username: "user", Balance: balance}
	require.NoError(t, db.Create(&u).Error)
	return u
}

func Plan(t *testing.T, db *gorm.DB, days int, price float64) models.Plan {
	t.Helper()
	p := models.Plan{Name: "standard", DurationDays: days, Price: price, TrafficGB: 50, IsActive: true}
	require.NoError(t, db.Create(&p).Error)
	return p
}

// Subscription inserts an active subscription; mutate adjusts it before insert.
func Subscription(t *testing.T, db *gorm.DB, user models.User, plan models.Plan, start, end time.Time, mutate func(*models.Subscription)) models.Subscription {
	t.Helper()
	s := models.Subscription{
		UserID:    user.ID,
		PlanID:    plan.ID,
		Status:    models.StatusActive,
		StartDate: start,
		EndDate:   end,
	}
	if mutate != nil {
		mutate(&s)
	}
	require.NoError(t, db.Omit("User", "Plan").Create(&s).Error)
	return s
}
