package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProvisioning(t *testing.T) {
	var sub Subscription
	assert.Equal(t, Unprovisioned, sub.Provisioning())

	sub.SetClient(3, 1, "uuid-1", "sub1-u1")
	assert.Equal(t, Provisioned, sub.Provisioning())

	sub.ClientUUID = nil
	assert.Equal(t, PartiallyProvisioned, sub.Provisioning())

	empty := ""
	sub.ClientUUID = &empty
	assert.Equal(t, PartiallyProvisioned, sub.Provisioning())
}

func TestValidate(t *testing.T) {
	now := time.Now()
	sub := Subscription{Status: StatusActive, StartDate: now, EndDate: now.Add(time.Hour)}
	assert.NoError(t, sub.Validate())

	sub.IsFrozen = true
	assert.NoError(t, sub.Validate())

	sub.Status = StatusExpired
	assert.Error(t, sub.Validate())

	sub.IsFrozen = false
	sub.EndDate = now.Add(-time.Hour)
	assert.Error(t, sub.Validate())
}

func TestOperationalAndNotes(t *testing.T) {
	sub := Subscription{Status: StatusActive}
	assert.True(t, sub.Operational())

	sub.IsFrozen = true
	assert.False(t, sub.Operational())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sub.AddNote("first", at)
	sub.AddNote("second", at.Add(time.Minute))
	assert.Len(t, sub.Notes, 2)
	assert.Equal(t, "second", sub.Notes[1].Text)

	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, StatusActive.Terminal())
}
