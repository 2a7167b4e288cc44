package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to a 3x-ui compatible panel API using a cookie session.
type Client struct {
	ID             uint
	Name           string
	BaseURL        string
	Username       string
	Password       string
	DefaultInbound int
	HTTPClient     *http.Client

	now func() time.Time
}

func NewClient(id uint, name, baseURL, username, password string, defaultInbound int, timeout time.Duration) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		ID:             id,
		Name:           name,
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Username:       username,
		Password:       password,
		DefaultInbound: defaultInbound,
		HTTPClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		now: time.Now,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type clientTraffic struct {
	ID         int    `json:"id"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
}

type inbound struct {
	ID       int    `json:"id"`
	Protocol string `json:"protocol"`
	Settings string `json:"settings"`
}

type inboundSettings struct {
	Clients []clientSettings `json:"clients"`
}

type clientSettings struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	LimitIP    int    `json:"limitIp"`
	Flow       string `json:"flow"`
	SubID      string `json:"subId"`
	TgID       string `json:"tgId"`
	Reset      int    `json:"reset"`
}

type clientPayload struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

// apiError carries an unsuccessful envelope so callers can map "not found" messages.
type apiError struct {
	msg string
}

func (e *apiError) Error() string { return e.msg }

func isNotFoundMsg(err error) bool {
	if e, ok := err.(*apiError); ok {
		m := strings.ToLower(e.msg)
		return strings.Contains(m, "not found") || strings.Contains(m, "no record") || strings.Contains(m, "not exist")
	}
	return false
}

func (c *Client) PanelID() uint         { return c.ID }
func (c *Client) DefaultInboundID() int { return c.DefaultInbound }

func (c *Client) label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.BaseURL
}

// Login authenticates and stores the session cookie in the client's jar.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.Username)
	form.Set("password", c.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return newError(KindAPI, "login", c.label(), fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err = c.do(req, "login")
	if err != nil {
		if _, ok := err.(*apiError); ok {
			return newError(KindAuth, "login", c.label(), err)
		}
		return err
	}
	return nil
}

// Close ends the panel session.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/logout", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return newError(KindConnection, "logout", c.label(), err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) doRequest(ctx context.Context, op, method, endpoint string, body interface{}) (json.RawMessage, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, newError(KindAPI, op, c.label(), fmt.Errorf("failed to marshal request body: %w", err))
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, newError(KindAPI, op, c.label(), fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) (json.RawMessage, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, newError(KindConnection, op, c.label(), fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindConnection, op, c.label(), fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e := newError(KindAuth, op, c.label(), fmt.Errorf("status %d", resp.StatusCode))
		e.StatusCode = resp.StatusCode
		return nil, e
	case resp.StatusCode >= 400:
		e := newError(KindAPI, op, c.label(), fmt.Errorf("api error: %s (status: %d)", string(respBody), resp.StatusCode))
		e.StatusCode = resp.StatusCode
		return nil, e
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, newError(KindAPI, op, c.label(), fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if !env.Success {
		return nil, &apiError{msg: env.Msg}
	}
	return env.Obj, nil
}

func (c *Client) wrap(op string, err error, notFound ErrorKind) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*GatewayError); ok {
		return err
	}
	if isNotFoundMsg(err) {
		return newError(notFound, op, c.label(), err)
	}
	return newError(KindAPI, op, c.label(), err)
}

func (c *Client) traffic(ctx context.Context, op, email string) (*clientTraffic, error) {
	obj, err := c.doRequest(ctx, op, http.MethodGet, "/panel/api/inbounds/getClientTraffics/"+url.PathEscape(email), nil)
	if err != nil {
		return nil, c.wrap(op, err, KindClientNotFound)
	}
	if len(obj) == 0 || string(obj) == "null" {
		return nil, newError(KindClientNotFound, op, c.label(), fmt.Errorf("no traffic record for %s", email))
	}
	var t clientTraffic
	if err := json.Unmarshal(obj, &t); err != nil {
		return nil, newError(KindAPI, op, c.label(), fmt.Errorf("failed to unmarshal traffic: %w", err))
	}
	return &t, nil
}

func (c *Client) inboundClients(ctx context.Context, op string, inboundID int) ([]clientSettings, error) {
	obj, err := c.doRequest(ctx, op, http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", inboundID), nil)
	if err != nil {
		return nil, c.wrap(op, err, KindInboundNotFound)
	}
	if len(obj) == 0 || string(obj) == "null" {
		return nil, newError(KindInboundNotFound, op, c.label(), fmt.Errorf("inbound %d", inboundID))
	}
	var ib inbound
	if err := json.Unmarshal(obj, &ib); err != nil {
		return nil, newError(KindAPI, op, c.label(), fmt.Errorf("failed to unmarshal inbound: %w", err))
	}
	var settings inboundSettings
	if ib.Settings != "" {
		if err := json.Unmarshal([]byte(ib.Settings), &settings); err != nil {
			return nil, newError(KindAPI, op, c.label(), fmt.Errorf("failed to unmarshal inbound settings: %w", err))
		}
	}
	return settings.Clients, nil
}

// resolveInbound finds the inbound hosting email when the caller did not name one.
func (c *Client) resolveInbound(ctx context.Context, op, email string, inboundID int) (int, error) {
	if inboundID != 0 {
		return inboundID, nil
	}
	t, err := c.traffic(ctx, op, email)
	if err != nil {
		return 0, err
	}
	return t.InboundID, nil
}

func (c *Client) findClient(ctx context.Context, op, email string, inboundID int) (*clientSettings, int, error) {
	inboundID, err := c.resolveInbound(ctx, op, email, inboundID)
	if err != nil {
		return nil, 0, err
	}
	clients, err := c.inboundClients(ctx, op, inboundID)
	if err != nil {
		return nil, 0, err
	}
	for i := range clients {
		if clients[i].Email == email {
			return &clients[i], inboundID, nil
		}
	}
	return nil, 0, newError(KindClientNotFound, op, c.label(), fmt.Errorf("%s not in inbound %d", email, inboundID))
}

func (c *Client) GetClient(ctx context.Context, email string, inboundID int) (*RemoteClient, error) {
	const op = "get_client"

	t, err := c.traffic(ctx, op, email)
	if err != nil {
		return nil, err
	}
	if inboundID == 0 {
		inboundID = t.InboundID
	}

	rc := &RemoteClient{
		Email:      t.Email,
		PanelID:    c.ID,
		InboundID:  t.InboundID,
		Enabled:    t.Enable,
		QuotaBytes: t.Total,
		UsedBytes:  t.Up + t.Down,
	}
	if t.ExpiryTime > 0 {
		rc.ExpiryTime = time.UnixMilli(t.ExpiryTime)
	}

	clients, err := c.inboundClients(ctx, op, inboundID)
	if err != nil {
		return nil, err
	}
	for _, cl := range clients {
		if cl.Email == email {
			rc.UUID = cl.ID
			rc.InboundID = inboundID
			rc.Enabled = cl.Enable
			return rc, nil
		}
	}
	return nil, newError(KindClientNotFound, op, c.label(), fmt.Errorf("%s not in inbound %d", email, inboundID))
}

func (c *Client) AddClient(ctx context.Context, req AddClientRequest) (*AddedClient, error) {
	const op = "add_client"

	inboundID := req.InboundID
	if inboundID == 0 {
		inboundID = c.DefaultInbound
	}
	id := req.UUID
	if id == "" {
		id = uuid.NewString()
	}
	var expiry int64
	if req.ExpireDays > 0 {
		expiry = c.now().Add(time.Duration(req.ExpireDays) * 24 * time.Hour).UnixMilli()
	}

	settings, err := json.Marshal(inboundSettings{Clients: []clientSettings{{
		ID:         id,
		Email:      req.Email,
		Enable:     true,
		TotalGB:    req.QuotaBytes,
		ExpiryTime: expiry,
		SubID:      subID(id),
	}}})
	if err != nil {
		return nil, newError(KindAPI, op, c.label(), err)
	}

	_, err = c.doRequest(ctx, op, http.MethodPost, "/panel/api/inbounds/addClient", clientPayload{ID: inboundID, Settings: string(settings)})
	if err != nil {
		return nil, c.wrap(op, err, KindInboundNotFound)
	}
	return &AddedClient{UUID: id, InboundID: inboundID}, nil
}

func (c *Client) RemoveClient(ctx context.Context, email string, inboundID int) error {
	const op = "remove_client"

	inboundID, err := c.resolveInbound(ctx, op, email, inboundID)
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, op, http.MethodPost, fmt.Sprintf("/panel/api/inbounds/%d/delClientByEmail/%s", inboundID, url.PathEscape(email)), nil)
	return c.wrap(op, err, KindClientNotFound)
}

func (c *Client) EnableClient(ctx context.Context, email string, inboundID int) error {
	return c.updateClient(ctx, "enable_client", email, inboundID, func(cl *clientSettings) { cl.Enable = true })
}

func (c *Client) DisableClient(ctx context.Context, email string, inboundID int) error {
	return c.updateClient(ctx, "disable_client", email, inboundID, func(cl *clientSettings) { cl.Enable = false })
}

func (c *Client) UpdateClientExpiry(ctx context.Context, email string, inboundID int, expiry time.Time) error {
	return c.updateClient(ctx, "update_expiry", email, inboundID, func(cl *clientSettings) {
		cl.ExpiryTime = 0
		if !expiry.IsZero() {
			cl.ExpiryTime = expiry.UnixMilli()
		}
	})
}

// updateClient reads the client's current settings, applies change and writes them back.
func (c *Client) updateClient(ctx context.Context, op, email string, inboundID int, change func(cl *clientSettings)) error {
	cl, inboundID, err := c.findClient(ctx, op, email, inboundID)
	if err != nil {
		return err
	}
	change(cl)

	settings, err := json.Marshal(inboundSettings{Clients: []clientSettings{*cl}})
	if err != nil {
		return newError(KindAPI, op, c.label(), err)
	}
	_, err = c.doRequest(ctx, op, http.MethodPost, "/panel/api/inbounds/updateClient/"+url.PathEscape(cl.ID), clientPayload{ID: inboundID, Settings: string(settings)})
	return c.wrap(op, err, KindClientNotFound)
}

func subID(clientUUID string) string {
	id := strings.ReplaceAll(clientUUID, "-", "")
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
