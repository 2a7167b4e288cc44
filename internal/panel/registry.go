package panel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"popovka-vpn/internal/models"
)

// Registry opens authenticated sessions against panels stored in the database.
// Each Open performs a fresh login so a session lives for one lifecycle call.
type Registry struct {
	DB      *gorm.DB
	Timeout time.Duration
}

func NewRegistry(db *gorm.DB, timeout time.Duration) *Registry {
	return &Registry{DB: db, Timeout: timeout}
}

func (r *Registry) Open(ctx context.Context, panelID uint) (Session, error) {
	var p models.Panel
	if err := r.DB.WithContext(ctx).First(&p, panelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrPanelNotFound, panelID)
		}
		return nil, fmt.Errorf("failed to load panel %d: %w", panelID, err)
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: panel %d is disabled", ErrPanelNotFound, panelID)
	}

	client := NewClient(p.ID, p.Name, p.BaseURL, p.Username, p.Password, p.DefaultInboundID, r.Timeout)
	if err := client.Login(ctx); err != nil {
		return nil, err
	}
	log.Debug().Uint("panel_id", p.ID).Str("panel", p.Name).Msg("Panel session opened")
	return client, nil
}

// ListActive returns the ids of panels that accept sessions.
func (r *Registry) ListActive(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := r.DB.WithContext(ctx).Model(&models.Panel{}).Where("is_active = ?", true).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list panels: %w", err)
	}
	return ids, nil
}
