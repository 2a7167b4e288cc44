package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePanel is a minimal in-memory 3x-ui API.
type fakePanel struct {
	mu       sync.Mutex
	password string
	inbounds map[int][]clientSettings
	traffic  map[string]clientTraffic
	updates  int
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		password: "secret",
		inbounds: map[int][]clientSettings{
			1: {{ID: "uuid-1", Email: "sub1-u1", Enable: true, TotalGB: 5_000_000_000}},
			2: {},
		},
		traffic: map[string]clientTraffic{
			"sub1-u1": {InboundID: 1, Enable: true, Email: "sub1-u1", Up: 10, Down: 20, Total: 5_000_000_000, ExpiryTime: 1893456000000},
		},
	}
}

func (f *fakePanel) reply(w http.ResponseWriter, success bool, msg string, obj any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "msg": msg, "obj": obj})
}

func (f *fakePanel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	if path == "/login" {
		_ = r.ParseForm()
		if r.PostForm.Get("password") != f.password {
			f.reply(w, false, "wrong username or password", nil)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok", Path: "/"})
		f.reply(w, true, "", nil)
		return
	}
	if path == "/logout" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if c, err := r.Cookie("session"); err != nil || c.Value != "ok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case strings.HasPrefix(path, "/panel/api/inbounds/getClientTraffics/"):
		email := strings.TrimPrefix(path, "/panel/api/inbounds/getClientTraffics/")
		t, ok := f.traffic[email]
		if !ok {
			f.reply(w, true, "", nil)
			return
		}
		f.reply(w, true, "", t)
	case strings.HasPrefix(path, "/panel/api/inbounds/get/"):
		id, _ := strconv.Atoi(strings.TrimPrefix(path, "/panel/api/inbounds/get/"))
		clients, ok := f.inbounds[id]
		if !ok {
			f.reply(w, false, "record not found", nil)
			return
		}
		settings, _ := json.Marshal(inboundSettings{Clients: clients})
		f.reply(w, true, "", inbound{ID: id, Protocol: "vless", Settings: string(settings)})
	case path == "/panel/api/inbounds/addClient":
		var p clientPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		if _, ok := f.inbounds[p.ID]; !ok {
			f.reply(w, false, "inbound not found", nil)
			return
		}
		var s inboundSettings
		_ = json.Unmarshal([]byte(p.Settings), &s)
		f.inbounds[p.ID] = append(f.inbounds[p.ID], s.Clients...)
		for _, c := range s.Clients {
			f.traffic[c.Email] = clientTraffic{InboundID: p.ID, Enable: c.Enable, Email: c.Email, Total: c.TotalGB, ExpiryTime: c.ExpiryTime}
		}
		f.reply(w, true, "", nil)
	case strings.HasPrefix(path, "/panel/api/inbounds/updateClient/"):
		var p clientPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		var s inboundSettings
		_ = json.Unmarshal([]byte(p.Settings), &s)
		for i, c := range f.inbounds[p.ID] {
			if c.Email == s.Clients[0].Email {
				f.inbounds[p.ID][i] = s.Clients[0]
				t := f.traffic[c.Email]
				t.Enable = s.Clients[0].Enable
				t.ExpiryTime = s.Clients[0].ExpiryTime
				f.traffic[c.Email] = t
			}
		}
		f.updates++
		f.reply(w, true, "", nil)
	case strings.Contains(path, "/delClientByEmail/"):
		parts := strings.Split(strings.TrimPrefix(path, "/panel/api/inbounds/"), "/")
		id, _ := strconv.Atoi(parts[0])
		email := parts[2]
		clients := f.inbounds[id]
		for i, c := range clients {
			if c.Email == email {
				f.inbounds[id] = append(clients[:i], clients[i+1:]...)
				delete(f.traffic, email)
				f.reply(w, true, "", nil)
				return
			}
		}
		f.reply(w, false, "client not found", nil)
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, f *fakePanel) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c := NewClient(3, "frankfurt", srv.URL, "admin", "secret", 1, 5*time.Second)
	c.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, c.Login(context.Background()))
	return c
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFakePanel()
	srv := httptest.NewServer(f)
	defer srv.Close()

	c := NewClient(3, "frankfurt", srv.URL, "admin", "nope", 1, 5*time.Second)
	err := c.Login(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthenticationFailed))
	assert.True(t, IsTransient(err))
}

func TestUnauthenticatedRequestIsAuthError(t *testing.T) {
	f := newFakePanel()
	srv := httptest.NewServer(f)
	defer srv.Close()

	c := NewClient(3, "frankfurt", srv.URL, "admin", "secret", 1, 5*time.Second)
	_, err := c.GetClient(context.Background(), "sub1-u1", 0)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestGetClient(t *testing.T) {
	c := newTestClient(t, newFakePanel())

	rc, err := c.GetClient(context.Background(), "sub1-u1", 0)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", rc.UUID)
	assert.Equal(t, uint(3), rc.PanelID)
	assert.Equal(t, 1, rc.InboundID)
	assert.True(t, rc.Enabled)
	assert.Equal(t, int64(5_000_000_000), rc.QuotaBytes)
	assert.Equal(t, int64(30), rc.UsedBytes)
	assert.Equal(t, int64(1893456000000), rc.ExpiryTime.UnixMilli())
}

func TestGetClientNotFound(t *testing.T) {
	c := newTestClient(t, newFakePanel())

	_, err := c.GetClient(context.Background(), "ghost", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, KindClientNotFound, Kind(err))
}

func TestDisableThenEnableClient(t *testing.T) {
	f := newFakePanel()
	c := newTestClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.DisableClient(ctx, "sub1-u1", 1))
	rc, err := c.GetClient(ctx, "sub1-u1", 1)
	require.NoError(t, err)
	assert.False(t, rc.Enabled)

	require.NoError(t, c.EnableClient(ctx, "sub1-u1", 0))
	rc, err = c.GetClient(ctx, "sub1-u1", 1)
	require.NoError(t, err)
	assert.True(t, rc.Enabled)
	assert.Equal(t, 2, f.updates)
}

func TestUpdateClientExpiry(t *testing.T) {
	f := newFakePanel()
	c := newTestClient(t, f)
	ctx := context.Background()
	expiry := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.UpdateClientExpiry(ctx, "sub1-u1", 0, expiry))
	rc, err := c.GetClient(ctx, "sub1-u1", 1)
	require.NoError(t, err)
	assert.True(t, rc.ExpiryTime.Equal(expiry))
	assert.True(t, rc.Enabled)
	assert.Equal(t, int64(5_000_000_000), rc.QuotaBytes)

	require.NoError(t, c.UpdateClientExpiry(ctx, "sub1-u1", 1, time.Time{}))
	rc, err = c.GetClient(ctx, "sub1-u1", 1)
	require.NoError(t, err)
	assert.True(t, rc.ExpiryTime.IsZero())
	assert.Equal(t, 2, f.updates)

	err = c.UpdateClientExpiry(ctx, "ghost", 1, expiry)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestDisableUnknownClient(t *testing.T) {
	c := newTestClient(t, newFakePanel())
	err := c.DisableClient(context.Background(), "sub1-u1", 2)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestAddAndRemoveClient(t *testing.T) {
	f := newFakePanel()
	c := newTestClient(t, f)
	ctx := context.Background()

	added, err := c.AddClient(ctx, AddClientRequest{Email: "sub2-u9", UUID: "uuid-2", QuotaBytes: 1 << 30, ExpireDays: 30})
	require.NoError(t, err)
	assert.Equal(t, "uuid-2", added.UUID)
	assert.Equal(t, 1, added.InboundID)

	rc, err := c.GetClient(ctx, "sub2-u9", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), rc.QuotaBytes)
	assert.Equal(t, c.now().Add(30*24*time.Hour).UnixMilli(), rc.ExpiryTime.UnixMilli())

	require.NoError(t, c.RemoveClient(ctx, "sub2-u9", 1))
	_, err = c.GetClient(ctx, "sub2-u9", 0)
	assert.ErrorIs(t, err, ErrClientNotFound)

	err = c.RemoveClient(ctx, "sub2-u9", 1)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestAddClientUnknownInbound(t *testing.T) {
	c := newTestClient(t, newFakePanel())
	_, err := c.AddClient(context.Background(), AddClientRequest{Email: "x", InboundID: 42})
	assert.ErrorIs(t, err, ErrInboundNotFound)
}

func TestConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(1, "", url, "a", "b", 1, time.Second)
	err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}
