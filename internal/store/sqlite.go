package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/paygate/internal/model"
)

// SQLite is the embedded-file adapter, used for single-node deployments
// and local development.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection sidesteps SQLITE_BUSY under concurrent writers
	d.SetMaxOpenConns(1)
	s := &SQLite{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the schema.
func (s *SQLite) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS challenges (
			id TEXT PRIMARY KEY, resource_id TEXT, amount_cents INTEGER, currency TEXT,
			chain_name TEXT, chain_id INTEGER, description TEXT, pay_to TEXT,
			asset_type TEXT, asset_symbol TEXT, amount_base_units TEXT,
			credits_offered INTEGER, created_at TEXT, expires_at TEXT, status TEXT);`,
		`CREATE TABLE IF NOT EXISTS receipts (
			challenge_id TEXT PRIMARY KEY, id TEXT UNIQUE, resource_id TEXT, session_id TEXT,
			amount_cents INTEGER, currency TEXT, transaction_ref TEXT UNIQUE,
			verified_at TEXT, expires_at TEXT, credits INTEGER, status TEXT);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY, balance INTEGER, currency TEXT,
			created_at TEXT, expires_at TEXT, access_count INTEGER DEFAULT 0);`,
		`CREATE TABLE IF NOT EXISTS usage_daily (
			subject_id TEXT, day TEXT, spent_cents INTEGER DEFAULT 0,
			PRIMARY KEY (subject_id, day));`,
		`CREATE TABLE IF NOT EXISTS used_tx_refs (
			ref TEXT PRIMARY KEY, challenge_id TEXT);`,
		`CREATE TABLE IF NOT EXISTS policies (
			subject_id TEXT PRIMARY KEY, policy TEXT);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY, name TEXT, key_hash TEXT, key_prefix TEXT,
			policy TEXT, created_at TEXT, last_used_at TEXT);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) CreateChallenge(c *model.PaymentChallenge) error {
	_, err := s.db.Exec(`INSERT INTO challenges(id,resource_id,amount_cents,currency,chain_name,chain_id,description,pay_to,asset_type,asset_symbol,amount_base_units,credits_offered,created_at,expires_at,status)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ResourceID, c.AmountCents, c.Currency, c.ChainName, c.ChainID, c.Description, c.PayTo,
		string(c.AssetType), c.AssetSymbol, c.AmountBaseUnits, c.CreditsOffered,
		c.CreatedAt.UTC().Format(time.RFC3339Nano), c.ExpiresAt.UTC().Format(time.RFC3339Nano), string(c.Status))
	return err
}

func (s *SQLite) GetChallenge(id string) (*model.PaymentChallenge, error) {
	row := s.db.QueryRow(`SELECT id,resource_id,amount_cents,currency,chain_name,chain_id,description,pay_to,asset_type,asset_symbol,amount_base_units,credits_offered,created_at,expires_at,status FROM challenges WHERE id = ?`, id)
	var c model.PaymentChallenge
	var assetType, status, created, expires string
	if err := row.Scan(&c.ID, &c.ResourceID, &c.AmountCents, &c.Currency, &c.ChainName, &c.ChainID, &c.Description, &c.PayTo, &assetType, &c.AssetSymbol, &c.AmountBaseUnits, &c.CreditsOffered, &created, &expires, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.AssetType = model.AssetType(assetType)
	c.Status = model.ChallengeStatus(status)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	c.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return &c, nil
}

func (s *SQLite) SetChallengeStatus(id string, status model.ChallengeStatus) error {
	res, err := s.db.Exec(`UPDATE challenges SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) CreateReceipt(r *model.Receipt) error {
	res, err := s.db.Exec(`INSERT INTO receipts(challenge_id,id,resource_id,session_id,amount_cents,currency,transaction_ref,verified_at,expires_at,credits,status)
		VALUES(?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(challenge_id) DO NOTHING`,
		r.ChallengeID, r.ID, r.ResourceID, r.SessionID, r.AmountCents, r.Currency, r.TransactionRef,
		r.VerifiedAt.UTC().Format(time.RFC3339Nano), r.ExpiresAt.UTC().Format(time.RFC3339Nano), r.Credits, string(r.Status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateReceipt
	}
	return nil
}

func (s *SQLite) GetReceiptByChallenge(challengeID string) (*model.Receipt, error) {
	row := s.db.QueryRow(`SELECT challenge_id,id,resource_id,session_id,amount_cents,currency,transaction_ref,verified_at,expires_at,credits,status FROM receipts WHERE challenge_id = ?`, challengeID)
	var r model.Receipt
	var verified, expires, status string
	if err := row.Scan(&r.ChallengeID, &r.ID, &r.ResourceID, &r.SessionID, &r.AmountCents, &r.Currency, &r.TransactionRef, &verified, &expires, &r.Credits, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	r.Status = model.ReceiptStatus(status)
	r.VerifiedAt, _ = time.Parse(time.RFC3339Nano, verified)
	r.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return &r, nil
}

func (s *SQLite) CreateSession(t *model.SessionToken) error {
	_, err := s.db.Exec(`INSERT INTO sessions(id,balance,currency,created_at,expires_at,access_count) VALUES(?,?,?,?,?,?)`,
		t.ID, t.Balance, t.Currency, t.CreatedAt.UTC().Format(time.RFC3339Nano), t.ExpiresAt.UTC().Format(time.RFC3339Nano), t.AccessCount)
	return err
}

func (s *SQLite) GetSession(id string) (*model.SessionToken, error) {
	return s.scanSession(s.db.QueryRow(`SELECT id,balance,currency,created_at,expires_at,access_count FROM sessions WHERE id = ?`, id))
}

func (s *SQLite) scanSession(row *sql.Row) (*model.SessionToken, error) {
	var t model.SessionToken
	var created, expires string
	if err := row.Scan(&t.ID, &t.Balance, &t.Currency, &created, &expires, &t.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return &t, nil
}

func (s *SQLite) ConsumeCredits(id string, amount int64) (*model.SessionToken, error) {
	// guarded update keeps the balance from going negative under
	// concurrent consumes
	res, err := s.db.Exec(`UPDATE sessions SET balance = balance - ?, access_count = access_count + 1 WHERE id = ? AND balance >= ?`, amount, id, amount)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t, err := s.GetSession(id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, ErrNotFound
		}
		return nil, ErrInsufficientCredits
	}
	return s.GetSession(id)
}

func (s *SQLite) AddCredits(id string, amount int64) (*model.SessionToken, error) {
	res, err := s.db.Exec(`UPDATE sessions SET balance = balance + ? WHERE id = ?`, amount, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetSession(id)
}

func (s *SQLite) DailySpend(subjectID, day string) (int64, error) {
	row := s.db.QueryRow(`SELECT spent_cents FROM usage_daily WHERE subject_id = ? AND day = ?`, subjectID, day)
	var cents int64
	if err := row.Scan(&cents); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return cents, nil
}

func (s *SQLite) AddSpend(subjectID, day string, amountCents int64) (int64, error) {
	row := s.db.QueryRow(`INSERT INTO usage_daily(subject_id,day,spent_cents) VALUES(?,?,?)
		ON CONFLICT(subject_id,day) DO UPDATE SET spent_cents = spent_cents + excluded.spent_cents
		RETURNING spent_cents`, subjectID, day, amountCents)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLite) TxRefOwner(ref string) (string, error) {
	row := s.db.QueryRow(`SELECT challenge_id FROM used_tx_refs WHERE ref = ?`, ref)
	var owner string
	if err := row.Scan(&owner); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}

func (s *SQLite) ClaimTxRef(ref, challengeID string) error {
	// insert-if-absent then read back; the primary key makes the claim
	// race-free
	if _, err := s.db.Exec(`INSERT INTO used_tx_refs(ref,challenge_id) VALUES(?,?) ON CONFLICT(ref) DO NOTHING`, ref, challengeID); err != nil {
		return err
	}
	owner, err := s.TxRefOwner(ref)
	if err != nil {
		return err
	}
	if owner != challengeID {
		return ErrTxRefUsed
	}
	return nil
}

func (s *SQLite) GetPolicy(subjectID string) (*model.SpendPolicy, error) {
	row := s.db.QueryRow(`SELECT policy FROM policies WHERE subject_id = ?`, subjectID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var p model.SpendPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLite) PutPolicy(subjectID string, p model.SpendPolicy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO policies(subject_id,policy) VALUES(?,?)
		ON CONFLICT(subject_id) DO UPDATE SET policy = excluded.policy`, subjectID, string(raw))
	return err
}

func (s *SQLite) CreateAgent(a *model.Agent) error {
	pol, err := json.Marshal(a.Policy)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO agents(id,name,key_hash,key_prefix,policy,created_at,last_used_at) VALUES(?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.KeyHash, a.KeyPrefix, string(pol),
		a.CreatedAt.UTC().Format(time.RFC3339Nano), a.LastUsedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLite) GetAgent(id string) (*model.Agent, error) {
	row := s.db.QueryRow(`SELECT id,name,key_hash,key_prefix,policy,created_at,last_used_at FROM agents WHERE id = ?`, id)
	a, err := scanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLite) GetAgentsByKeyPrefix(prefix string) ([]*model.Agent, error) {
	rows, err := s.db.Query(`SELECT id,name,key_hash,key_prefix,policy,created_at,last_used_at FROM agents WHERE key_prefix = ?`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) TouchAgent(id string, t time.Time) error {
	_, err := s.db.Exec(`UPDATE agents SET last_used_at = ? WHERE id = ?`, t.UTC().Format(time.RFC3339Nano), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentRow(row rowScanner) (*model.Agent, error) {
	var a model.Agent
	var pol, created, lastUsed string
	if err := row.Scan(&a.ID, &a.Name, &a.KeyHash, &a.KeyPrefix, &pol, &created, &lastUsed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pol), &a.Policy); err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	a.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsed)
	return &a, nil
}

// lifecycle helpers
func (s *SQLite) Close() error { return s.db.Close() }
func (s *SQLite) Ping() bool   { return s.db.Ping() == nil }
