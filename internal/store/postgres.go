package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/paygate/internal/model"
)

// Postgres is the production adapter. Schema is owned by the
// golang-migrate migrations under migrations/.
type Postgres struct {
	db  *sql.DB
	dsn string
}

// NewPostgres connects using dsn. Tables must already exist.
func NewPostgres(dsn string) (*Postgres, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &Postgres{db: d, dsn: dsn}
	if err := p.db.Ping(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresFromDB wraps an existing connection, used by tests.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) CreateChallenge(c *model.PaymentChallenge) error {
	_, err := p.db.Exec(`INSERT INTO challenges(id,resource_id,amount_cents,currency,chain_name,chain_id,description,pay_to,asset_type,asset_symbol,amount_base_units,credits_offered,created_at,expires_at,status)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		c.ID, c.ResourceID, c.AmountCents, c.Currency, c.ChainName, c.ChainID, c.Description, c.PayTo,
		string(c.AssetType), c.AssetSymbol, c.AmountBaseUnits, c.CreditsOffered, c.CreatedAt, c.ExpiresAt, string(c.Status))
	return err
}

func (p *Postgres) GetChallenge(id string) (*model.PaymentChallenge, error) {
	row := p.db.QueryRow(`SELECT id,resource_id,amount_cents,currency,chain_name,chain_id,description,pay_to,asset_type,asset_symbol,amount_base_units,credits_offered,created_at,expires_at,status FROM challenges WHERE id = $1`, id)
	var c model.PaymentChallenge
	var assetType, status string
	if err := row.Scan(&c.ID, &c.ResourceID, &c.AmountCents, &c.Currency, &c.ChainName, &c.ChainID, &c.Description, &c.PayTo, &assetType, &c.AssetSymbol, &c.AmountBaseUnits, &c.CreditsOffered, &c.CreatedAt, &c.ExpiresAt, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.AssetType = model.AssetType(assetType)
	c.Status = model.ChallengeStatus(status)
	return &c, nil
}

func (p *Postgres) SetChallengeStatus(id string, status model.ChallengeStatus) error {
	res, err := p.db.Exec(`UPDATE challenges SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateReceipt(r *model.Receipt) error {
	res, err := p.db.Exec(`INSERT INTO receipts(challenge_id,id,resource_id,session_id,amount_cents,currency,transaction_ref,verified_at,expires_at,credits,status)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) ON CONFLICT (challenge_id) DO NOTHING`,
		r.ChallengeID, r.ID, r.ResourceID, r.SessionID, r.AmountCents, r.Currency, r.TransactionRef, r.VerifiedAt, r.ExpiresAt, r.Credits, string(r.Status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateReceipt
	}
	return nil
}

func (p *Postgres) GetReceiptByChallenge(challengeID string) (*model.Receipt, error) {
	row := p.db.QueryRow(`SELECT challenge_id,id,resource_id,session_id,amount_cents,currency,transaction_ref,verified_at,expires_at,credits,status FROM receipts WHERE challenge_id = $1`, challengeID)
	var r model.Receipt
	var status string
	if err := row.Scan(&r.ChallengeID, &r.ID, &r.ResourceID, &r.SessionID, &r.AmountCents, &r.Currency, &r.TransactionRef, &r.VerifiedAt, &r.ExpiresAt, &r.Credits, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	r.Status = model.ReceiptStatus(status)
	return &r, nil
}

func (p *Postgres) CreateSession(t *model.SessionToken) error {
	_, err := p.db.Exec(`INSERT INTO sessions(id,balance,currency,created_at,expires_at,access_count) VALUES($1,$2,$3,$4,$5,$6)`,
		t.ID, t.Balance, t.Currency, t.CreatedAt, t.ExpiresAt, t.AccessCount)
	return err
}

func (p *Postgres) GetSession(id string) (*model.SessionToken, error) {
	row := p.db.QueryRow(`SELECT id,balance,currency,created_at,expires_at,access_count FROM sessions WHERE id = $1`, id)
	var t model.SessionToken
	if err := row.Scan(&t.ID, &t.Balance, &t.Currency, &t.CreatedAt, &t.ExpiresAt, &t.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) ConsumeCredits(id string, amount int64) (*model.SessionToken, error) {
	row := p.db.QueryRow(`UPDATE sessions SET balance = balance - $1, access_count = access_count + 1
		WHERE id = $2 AND balance >= $1
		RETURNING id,balance,currency,created_at,expires_at,access_count`, amount, id)
	var t model.SessionToken
	if err := row.Scan(&t.ID, &t.Balance, &t.Currency, &t.CreatedAt, &t.ExpiresAt, &t.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			cur, gerr := p.GetSession(id)
			if gerr != nil {
				return nil, gerr
			}
			if cur == nil {
				return nil, ErrNotFound
			}
			return nil, ErrInsufficientCredits
		}
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) AddCredits(id string, amount int64) (*model.SessionToken, error) {
	row := p.db.QueryRow(`UPDATE sessions SET balance = balance + $1 WHERE id = $2
		RETURNING id,balance,currency,created_at,expires_at,access_count`, amount, id)
	var t model.SessionToken
	if err := row.Scan(&t.ID, &t.Balance, &t.Currency, &t.CreatedAt, &t.ExpiresAt, &t.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) DailySpend(subjectID, day string) (int64, error) {
	row := p.db.QueryRow(`SELECT spent_cents FROM usage_daily WHERE subject_id = $1 AND day = $2`, subjectID, day)
	var cents int64
	if err := row.Scan(&cents); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return cents, nil
}

func (p *Postgres) AddSpend(subjectID, day string, amountCents int64) (int64, error) {
	row := p.db.QueryRow(`INSERT INTO usage_daily(subject_id,day,spent_cents) VALUES($1,$2,$3)
		ON CONFLICT (subject_id,day) DO UPDATE SET spent_cents = usage_daily.spent_cents + EXCLUDED.spent_cents
		RETURNING spent_cents`, subjectID, day, amountCents)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (p *Postgres) TxRefOwner(ref string) (string, error) {
	row := p.db.QueryRow(`SELECT challenge_id FROM used_tx_refs WHERE ref = $1`, ref)
	var owner string
	if err := row.Scan(&owner); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}

func (p *Postgres) ClaimTxRef(ref, challengeID string) error {
	if _, err := p.db.Exec(`INSERT INTO used_tx_refs(ref,challenge_id) VALUES($1,$2) ON CONFLICT (ref) DO NOTHING`, ref, challengeID); err != nil {
		return err
	}
	owner, err := p.TxRefOwner(ref)
	if err != nil {
		return err
	}
	if owner != challengeID {
		return ErrTxRefUsed
	}
	return nil
}

func (p *Postgres) GetPolicy(subjectID string) (*model.SpendPolicy, error) {
	row := p.db.QueryRow(`SELECT policy FROM policies WHERE subject_id = $1`, subjectID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var pol model.SpendPolicy
	if err := json.Unmarshal(raw, &pol); err != nil {
		return nil, err
	}
	return &pol, nil
}

func (p *Postgres) PutPolicy(subjectID string, pol model.SpendPolicy) error {
	raw, err := json.Marshal(pol)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO policies(subject_id,policy) VALUES($1,$2)
		ON CONFLICT (subject_id) DO UPDATE SET policy = EXCLUDED.policy`, subjectID, raw)
	return err
}

func (p *Postgres) CreateAgent(a *model.Agent) error {
	pol, err := json.Marshal(a.Policy)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO agents(id,name,key_hash,key_prefix,policy,created_at,last_used_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.Name, a.KeyHash, a.KeyPrefix, pol, a.CreatedAt, a.LastUsedAt)
	return err
}

func (p *Postgres) GetAgent(id string) (*model.Agent, error) {
	row := p.db.QueryRow(`SELECT id,name,key_hash,key_prefix,policy,created_at,last_used_at FROM agents WHERE id = $1`, id)
	a, err := scanPgAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (p *Postgres) GetAgentsByKeyPrefix(prefix string) ([]*model.Agent, error) {
	rows, err := p.db.Query(`SELECT id,name,key_hash,key_prefix,policy,created_at,last_used_at FROM agents WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Agent
	for rows.Next() {
		a, err := scanPgAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchAgent(id string, t time.Time) error {
	_, err := p.db.Exec(`UPDATE agents SET last_used_at = $1 WHERE id = $2`, t, id)
	return err
}

func scanPgAgent(row rowScanner) (*model.Agent, error) {
	var a model.Agent
	var pol []byte
	if err := row.Scan(&a.ID, &a.Name, &a.KeyHash, &a.KeyPrefix, &pol, &a.CreatedAt, &a.LastUsedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pol, &a.Policy); err != nil {
		return nil, err
	}
	return &a, nil
}

// lifecycle helpers
func (p *Postgres) Close() error { return p.db.Close() }
func (p *Postgres) Ping() bool   { return p.db.Ping() == nil }
