package panel

import (
	"context"
	"time"
)

// RemoteClient is the panel's view of one client, looked up by email.
type RemoteClient struct {
	Email      string
	UUID       string
	PanelID    uint
	InboundID  int
	Enabled    bool
	QuotaBytes int64     // zero means unlimited
	UsedBytes  int64
	ExpiryTime time.Time // zero means no expiry
}

type AddClientRequest struct {
	Email      string
	UUID       string // generated by the panel side when empty
	InboundID  int    // zero selects the panel's default inbound
	QuotaBytes int64
	ExpireDays int // zero means no expiry
}

type AddedClient struct {
	UUID      string
	InboundID int
}

// Gateway exposes client CRUD on a single panel. An inboundID of zero searches
// every inbound for the email.
type Gateway interface {
	GetClient(ctx context.Context, email string, inboundID int) (*RemoteClient, error)
	AddClient(ctx context.Context, req AddClientRequest) (*AddedClient, error)
	RemoveClient(ctx context.Context, email string, inboundID int) error
	EnableClient(ctx context.Context, email string, inboundID int) error
	DisableClient(ctx context.Context, email string, inboundID int) error
	// UpdateClientExpiry moves the client's expiry; a zero time removes it.
	UpdateClientExpiry(ctx context.Context, email string, inboundID int, expiry time.Time) error
}

// Session is an authenticated gateway bound to one panel. Callers must Close it.
type Session interface {
	Gateway
	PanelID() uint
	DefaultInboundID() int
	Close() error
}

// Connector opens sessions against registered panels.
type Connector interface {
	Open(ctx context.Context, panelID uint) (Session, error)
}
