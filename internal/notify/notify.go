// Package notify delivers subscription notices to users.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	MsgExpiringSoon = "⚠️ Ваша подписка истекает через сутки! Пожалуйста, продлите её, чтобы не потерять доступ."
	MsgExpired      = "❌ Ваша подписка истекла. Доступ к VPN заблокирован. Продлите подписку в меню 'Купить VPN'."
	MsgRenewed      = "✅ Подписка автоматически продлена до %s."
	MsgUnfrozen     = "▶️ Заморозка подписки закончилась, доступ к VPN восстановлен."
)

// Notifier sends a text message to a Telegram user.
type Notifier interface {
	Notify(ctx context.Context, telegramID int64, text string) error
}

type Telegram struct {
	Bot *telego.Bot
}

func NewTelegram(token string) (*Telegram, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &Telegram{Bot: bot}, nil
}

func (t *Telegram) Notify(ctx context.Context, telegramID int64, text string) error {
	_, err := t.Bot.SendMessage(ctx, tu.Message(tu.ID(telegramID), text))
	return err
}

// Nop discards notices; used when no bot token is configured.
type Nop struct{}

func (Nop) Notify(_ context.Context, telegramID int64, _ string) error {
	log.Debug().Int64("telegram_id", telegramID).Msg("Notifier disabled, dropping notice")
	return nil
}

// Marker remembers which one-time notices were already sent.
type Marker interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

type RedisMarker struct {
	Client *redis.Client
}

func NewRedisMarker(client *redis.Client) *RedisMarker {
	return &RedisMarker{Client: client}
}

func (m *RedisMarker) Seen(ctx context.Context, key string) (bool, error) {
	n, err := m.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *RedisMarker) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return m.Client.Set(ctx, key, "true", ttl).Err()
}

// MemoryMarker keeps markers in process; expiry is not enforced.
type MemoryMarker struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{keys: make(map[string]struct{})}
}

func (m *MemoryMarker) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *MemoryMarker) Mark(_ context.Context, key string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = struct{}{}
	return nil
}

// Once sends text unless key was already marked, then marks it for ttl.
// The marker is set only after a successful send so a failed notice is retried.
func Once(ctx context.Context, n Notifier, m Marker, key string, ttl time.Duration, telegramID int64, text string) (bool, error) {
	seen, err := m.Seen(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check marker %s: %w", key, err)
	}
	if seen {
		return false, nil
	}
	if err := n.Notify(ctx, telegramID, text); err != nil {
		return false, err
	}
	if err := m.Mark(ctx, key, ttl); err != nil {
		return true, fmt.Errorf("failed to set marker %s: %w", key, err)
	}
	return true, nil
}
