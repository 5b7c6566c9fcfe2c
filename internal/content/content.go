// Package content is the article catalogue the engine sells access to.
// The core only ever sees the Store interface.
package content

import (
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/example/paygate/internal/model"
)

// Store looks up purchasable articles. GetArticle returns (nil, nil)
// for unknown ids.
type Store interface {
	GetArticle(id string) (*model.Article, error)
	ListArticles() ([]*model.Article, error)
}

// Mem is a map-backed catalogue.
type Mem struct {
	mu       sync.RWMutex
	articles map[string]*model.Article
	order    []string
}

// NewMem returns a catalogue seeded with the given articles.
func NewMem(articles ...*model.Article) *Mem {
	m := &Mem{articles: map[string]*model.Article{}}
	for _, a := range articles {
		cp := *a
		m.articles[a.ID] = &cp
		m.order = append(m.order, a.ID)
	}
	return m
}

func (m *Mem) GetArticle(id string) (*model.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.articles[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (m *Mem) ListArticles() ([]*model.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Article, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.articles[id]
		out = append(out, &cp)
	}
	return out, nil
}

// SQLite reads the catalogue from the articles table.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at path and ensures the table exists.
func NewSQLite(path string) (*SQLite, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	s := &SQLite{db: d}
	if _, err := d.Exec(`CREATE TABLE IF NOT EXISTS articles (
		id TEXT PRIMARY KEY, title TEXT, author TEXT, preview TEXT, body TEXT,
		price_cents INTEGER, currency TEXT);`); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) GetArticle(id string) (*model.Article, error) {
	row := s.db.QueryRow(`SELECT id,title,author,preview,body,price_cents,currency FROM articles WHERE id = ?`, id)
	var a model.Article
	if err := row.Scan(&a.ID, &a.Title, &a.Author, &a.Preview, &a.Body, &a.PriceCents, &a.Currency); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *SQLite) ListArticles() ([]*model.Article, error) {
	rows, err := s.db.Query(`SELECT id,title,author,preview,body,price_cents,currency FROM articles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Article
	for rows.Next() {
		var a model.Article
		if err := rows.Scan(&a.ID, &a.Title, &a.Author, &a.Preview, &a.Body, &a.PriceCents, &a.Currency); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Seed upserts articles into the catalogue table.
func (s *SQLite) Seed(articles ...*model.Article) error {
	for _, a := range articles {
		if _, err := s.db.Exec(`INSERT INTO articles(id,title,author,preview,body,price_cents,currency) VALUES(?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET title=excluded.title, author=excluded.author, preview=excluded.preview, body=excluded.body, price_cents=excluded.price_cents, currency=excluded.currency`,
			a.ID, a.Title, a.Author, a.Preview, a.Body, a.PriceCents, a.Currency); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// SampleArticles is the demo catalogue used by the memory adapter and
// the SQLite seeder.
func SampleArticles() []*model.Article {
	return []*model.Article{
		{
			ID:         "article-1",
			Title:      "The Settlement Layer Nobody Asked For",
			Author:     "M. Okafor",
			Preview:    "Micropayments have failed three times. The fourth attempt looks different for one reason...",
			Body:       "Micropayments have failed three times. The fourth attempt looks different for one reason: the buyer is no longer a human.\n\nAgents do not suffer decision fatigue at a 50-cent paywall...",
			PriceCents: 50,
			Currency:   "USD",
		},
		{
			ID:         "article-2",
			Title:      "Receipts as a Protocol Primitive",
			Author:     "J. Lindqvist",
			Preview:    "A receipt is the cheapest proof object we have, and we keep throwing it away...",
			Body:       "A receipt is the cheapest proof object we have, and we keep throwing it away.\n\nTreat the receipt as a first-class record and idempotent settlement falls out of the design...",
			PriceCents: 75,
			Currency:   "USD",
		},
		{
			ID:         "article-3",
			Title:      "Budgeting for Machines",
			Author:     "R. Chen",
			Preview:    "Per-action caps are easy. Daily caps are where every spend-policy engine earns its keep...",
			Body:       "Per-action caps are easy. Daily caps are where every spend-policy engine earns its keep.\n\nThe trick is the day boundary: pick one time zone and never look back...",
			PriceCents: 25,
			Currency:   "USD",
		},
	}
}
