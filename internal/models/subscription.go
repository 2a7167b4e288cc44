package models

import (
	"errors"
	"time"
)

type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusExpired  SubscriptionStatus = "expired"
	StatusCanceled SubscriptionStatus = "canceled"
)

func (s SubscriptionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusCanceled
}

// ProvisioningState describes how much of the remote client assignment is recorded locally.
type ProvisioningState int

const (
	Unprovisioned ProvisioningState = iota
	Provisioned
	PartiallyProvisioned
)

func (p ProvisioningState) String() string {
	switch p {
	case Unprovisioned:
		return "unprovisioned"
	case Provisioned:
		return "provisioned"
	default:
		return "partial"
	}
}

type Note struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is the billing-side record of a VPN subscription. PanelID, InboundID,
// ClientUUID and ClientEmail locate the remote client and are set or unset together.
type Subscription struct {
	ID     uint `gorm:"primaryKey"`
	UserID uint `gorm:"not null;index"`
	User   User `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	PlanID uint `gorm:"not null;index"`
	Plan   Plan `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;"`

	Status   SubscriptionStatus `gorm:"size:20;not null;default:'active';index"`
	IsFrozen bool               `gorm:"not null;default:false"`

	StartDate       time.Time `gorm:"not null"`
	EndDate         time.Time `gorm:"not null;index"`
	FreezeStartDate *time.Time
	FreezeEndDate   *time.Time
	FreezeReason    string `gorm:"size:512"`

	AutoRenew              bool   `gorm:"not null;default:false"`
	AutoRenewPaymentMethod string `gorm:"size:50"`

	Notes []Note `gorm:"serializer:json;type:text"`

	PanelID     *uint   `gorm:"uniqueIndex:idx_panel_client_email,priority:1"`
	InboundID   *int
	ClientUUID  *string `gorm:"size:64"`
	ClientEmail *string `gorm:"size:255;uniqueIndex:idx_panel_client_email,priority:2"`

	SubscriptionURL string `gorm:"size:512"`

	Version   uint `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	errFrozenNotActive = errors.New("frozen subscription must be active")
	errEndBeforeStart  = errors.New("end date precedes start date")
)

func (s *Subscription) Provisioning() ProvisioningState {
	set := 0
	if s.PanelID != nil {
		set++
	}
	if s.InboundID != nil {
		set++
	}
	if s.ClientUUID != nil && *s.ClientUUID != "" {
		set++
	}
	if s.ClientEmail != nil && *s.ClientEmail != "" {
		set++
	}
	switch set {
	case 0:
		return Unprovisioned
	case 4:
		return Provisioned
	default:
		return PartiallyProvisioned
	}
}

// Operational reports whether the subscription should currently grant connectivity.
func (s *Subscription) Operational() bool {
	return s.Status == StatusActive && !s.IsFrozen
}

func (s *Subscription) AddNote(text string, at time.Time) {
	s.Notes = append(s.Notes, Note{Text: text, CreatedAt: at})
}

// Validate checks the invariants that must hold for every persisted record. A partial
// client assignment is reported by Provisioning instead so that such rows can still be
// saved while awaiting reconciliation.
func (s *Subscription) Validate() error {
	if s.IsFrozen && s.Status != StatusActive {
		return errFrozenNotActive
	}
	if s.EndDate.Before(s.StartDate) {
		return errEndBeforeStart
	}
	return nil
}

// SetClient records a remote client assignment.
func (s *Subscription) SetClient(panelID uint, inboundID int, uuid, email string) {
	s.PanelID = &panelID
	s.InboundID = &inboundID
	s.ClientUUID = &uuid
	s.ClientEmail = &email
}

func (s *Subscription) Email() string {
	if s.ClientEmail == nil {
		return ""
	}
	return *s.ClientEmail
}

func (s *Subscription) Panel() uint {
	if s.PanelID == nil {
		return 0
	}
	return *s.PanelID
}

func (s *Subscription) Inbound() int {
	if s.InboundID == nil {
		return 0
	}
	return *s.InboundID
}

func (s *Subscription) UUID() string {
	if s.ClientUUID == nil {
		return ""
	}
	return *s.ClientUUID
}
