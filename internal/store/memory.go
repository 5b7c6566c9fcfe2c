package store

import (
	"sync"
	"time"

	"github.com/example/paygate/internal/model"
)

// Mem is the in-memory adapter. A single mutex covers every collection,
// which gives the cross-collection atomicity the settlement path needs
// for free.
type Mem struct {
	mu         sync.Mutex
	challenges map[string]*model.PaymentChallenge
	receipts   map[string]*model.Receipt // keyed by challenge id
	sessions   map[string]*model.SessionToken
	usage      map[string]int64 // subjectID|day -> cents
	txrefs     map[string]string
	policies   map[string]*model.SpendPolicy
	agents     map[string]*model.Agent
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		challenges: map[string]*model.PaymentChallenge{},
		receipts:   map[string]*model.Receipt{},
		sessions:   map[string]*model.SessionToken{},
		usage:      map[string]int64{},
		txrefs:     map[string]string{},
		policies:   map[string]*model.SpendPolicy{},
		agents:     map[string]*model.Agent{},
	}
}

func (m *Mem) CreateChallenge(c *model.PaymentChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.challenges[c.ID] = &cp
	return nil
}

func (m *Mem) GetChallenge(id string) (*model.PaymentChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.challenges[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *Mem) SetChallengeStatus(id string, status model.ChallengeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *Mem) CreateReceipt(r *model.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ChallengeID]; ok {
		return ErrDuplicateReceipt
	}
	cp := *r
	m.receipts[r.ChallengeID] = &cp
	return nil
}

func (m *Mem) GetReceiptByChallenge(challengeID string) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[challengeID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *Mem) CreateSession(s *model.SessionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Mem) GetSession(id string) (*model.SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *Mem) ConsumeCredits(id string, amount int64) (*model.SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Balance < amount {
		return nil, ErrInsufficientCredits
	}
	s.Balance -= amount
	s.AccessCount++
	cp := *s
	return &cp, nil
}

func (m *Mem) AddCredits(id string, amount int64) (*model.SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Balance += amount
	cp := *s
	return &cp, nil
}

func (m *Mem) DailySpend(subjectID, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[subjectID+"|"+day], nil
}

func (m *Mem) AddSpend(subjectID, day string, amountCents int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subjectID + "|" + day
	m.usage[key] += amountCents
	return m.usage[key], nil
}

func (m *Mem) TxRefOwner(ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txrefs[ref], nil
}

func (m *Mem) ClaimTxRef(ref, challengeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.txrefs[ref]; ok && owner != challengeID {
		return ErrTxRefUsed
	}
	m.txrefs[ref] = challengeID
	return nil
}

func (m *Mem) GetPolicy(subjectID string) (*model.SpendPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[subjectID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *Mem) PutPolicy(subjectID string, p model.SpendPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[subjectID] = &p
	return nil
}

func (m *Mem) CreateAgent(a *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *Mem) GetAgent(id string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (m *Mem) GetAgentsByKeyPrefix(prefix string) ([]*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Agent
	for _, a := range m.agents {
		if a.KeyPrefix == prefix {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Mem) TouchAgent(id string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastUsedAt = t
	return nil
}

// lifecycle helpers
func (m *Mem) Close() error { return nil }
func (m *Mem) Ping() bool   { return true }
