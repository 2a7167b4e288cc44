// Package paneltest provides an in-memory panel.Connector that records every call.
package paneltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"popovka-vpn/internal/panel"
)

const (
	OpGet     = "get"
	OpAdd     = "add"
	OpRemove  = "remove"
	OpEnable  = "enable"
	OpDisable = "disable"
	OpExpiry  = "expiry"
)

type Call struct {
	Op        string
	PanelID   uint
	Email     string
	InboundID int
	Add       panel.AddClientRequest
	Expiry    time.Time
}

type Fake struct {
	mu sync.Mutex

	clients  map[uint]map[string]*panel.RemoteClient
	defaults map[uint]int
	errs     map[string]error // keyed by op or op@panel
	openErrs map[uint]error

	Calls  []Call
	Opened int
	Closed int

	// Now stamps the expiry of added clients.
	Now func() time.Time
}

func New() *Fake {
	return &Fake{
		clients:  make(map[uint]map[string]*panel.RemoteClient),
		defaults: make(map[uint]int),
		errs:     make(map[string]error),
		openErrs: make(map[uint]error),
		Now:      time.Now,
	}
}

// AddPanel registers a panel and its default inbound.
func (f *Fake) AddPanel(panelID uint, defaultInbound int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[panelID] = defaultInbound
	if f.clients[panelID] == nil {
		f.clients[panelID] = make(map[string]*panel.RemoteClient)
	}
}

// Seed places a client on a panel.
func (f *Fake) Seed(c panel.RemoteClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients[c.PanelID] == nil {
		f.clients[c.PanelID] = make(map[string]*panel.RemoteClient)
	}
	cp := c
	f.clients[c.PanelID][c.Email] = &cp
}

// Client returns a copy of the remote client, if present.
func (f *Fake) Client(panelID uint, email string) (panel.RemoteClient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[panelID][email]
	if !ok {
		return panel.RemoteClient{}, false
	}
	return *c, true
}

// Fail makes op fail on every panel. FailOn restricts it to one panel.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *Fake) FailOn(op string, panelID uint, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[fmt.Sprintf("%s@%d", op, panelID)] = err
}

func (f *Fake) FailOpen(panelID uint, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErrs[panelID] = err
}

// CallsFor returns recorded calls matching op on panelID.
func (f *Fake) CallsFor(op string, panelID uint) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Op == op && c.PanelID == panelID {
			out = append(out, c)
		}
	}
	return out
}

// CountOp counts calls of op across all panels.
func (f *Fake) CountOp(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *Fake) Open(_ context.Context, panelID uint) (panel.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErrs[panelID]; err != nil {
		return nil, err
	}
	if _, ok := f.defaults[panelID]; !ok {
		return nil, fmt.Errorf("%w: %d", panel.ErrPanelNotFound, panelID)
	}
	f.Opened++
	return &session{fake: f, panelID: panelID}, nil
}

type session struct {
	fake    *Fake
	panelID uint
}

func (s *session) PanelID() uint { return s.panelID }

func (s *session) DefaultInboundID() int {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	return s.fake.defaults[s.panelID]
}

func (s *session) Close() error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	s.fake.Closed++
	return nil
}

// record logs the call and returns the injected error, if any. Caller holds mu.
func (s *session) record(c Call) error {
	c.PanelID = s.panelID
	s.fake.Calls = append(s.fake.Calls, c)
	if err := s.fake.errs[fmt.Sprintf("%s@%d", c.Op, s.panelID)]; err != nil {
		return err
	}
	return s.fake.errs[c.Op]
}

func (s *session) lookup(op, email string, inboundID int) (*panel.RemoteClient, error) {
	c, ok := s.fake.clients[s.panelID][email]
	if !ok || (inboundID != 0 && c.InboundID != inboundID) {
		return nil, &panel.GatewayError{Kind: panel.KindClientNotFound, Op: op, Err: fmt.Errorf("%s", email)}
	}
	return c, nil
}

func (s *session) GetClient(_ context.Context, email string, inboundID int) (*panel.RemoteClient, error) {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if err := s.record(Call{Op: OpGet, Email: email, InboundID: inboundID}); err != nil {
		return nil, err
	}
	c, err := s.lookup("get_client", email, inboundID)
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func (s *session) AddClient(_ context.Context, req panel.AddClientRequest) (*panel.AddedClient, error) {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if req.InboundID == 0 {
		req.InboundID = s.fake.defaults[s.panelID]
	}
	if err := s.record(Call{Op: OpAdd, Email: req.Email, InboundID: req.InboundID, Add: req}); err != nil {
		return nil, err
	}
	if _, exists := s.fake.clients[s.panelID][req.Email]; exists {
		return nil, &panel.GatewayError{Kind: panel.KindAPI, Op: "add_client", Err: fmt.Errorf("duplicate email %s", req.Email)}
	}
	id := req.UUID
	if id == "" {
		id = fmt.Sprintf("generated-%d-%s", s.panelID, req.Email)
	}
	rc := &panel.RemoteClient{
		Email:      req.Email,
		UUID:       id,
		PanelID:    s.panelID,
		InboundID:  req.InboundID,
		Enabled:    true,
		QuotaBytes: req.QuotaBytes,
	}
	if req.ExpireDays > 0 {
		rc.ExpiryTime = s.fake.Now().Add(time.Duration(req.ExpireDays) * 24 * time.Hour)
	}
	s.fake.clients[s.panelID][req.Email] = rc
	return &panel.AddedClient{UUID: id, InboundID: req.InboundID}, nil
}

func (s *session) RemoveClient(_ context.Context, email string, inboundID int) error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if err := s.record(Call{Op: OpRemove, Email: email, InboundID: inboundID}); err != nil {
		return err
	}
	if _, err := s.lookup("remove_client", email, inboundID); err != nil {
		return err
	}
	delete(s.fake.clients[s.panelID], email)
	return nil
}

func (s *session) EnableClient(_ context.Context, email string, inboundID int) error {
	return s.setEnabled(OpEnable, email, inboundID, true)
}

func (s *session) DisableClient(_ context.Context, email string, inboundID int) error {
	return s.setEnabled(OpDisable, email, inboundID, false)
}

func (s *session) setEnabled(op, email string, inboundID int, enabled bool) error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if err := s.record(Call{Op: op, Email: email, InboundID: inboundID}); err != nil {
		return err
	}
	c, err := s.lookup(op+"_client", email, inboundID)
	if err != nil {
		return err
	}
	c.Enabled = enabled
	return nil
}

func (s *session) UpdateClientExpiry(_ context.Context, email string, inboundID int, expiry time.Time) error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if err := s.record(Call{Op: OpExpiry, Email: email, InboundID: inboundID, Expiry: expiry}); err != nil {
		return err
	}
	c, err := s.lookup("update_expiry", email, inboundID)
	if err != nil {
		return err
	}
	c.ExpiryTime = expiry
	return nil
}
