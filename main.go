package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"

	"github.com/example/paygate/internal/chain"
	cfg "github.com/example/paygate/internal/config"
	"github.com/example/paygate/internal/content"
	"github.com/example/paygate/internal/engine"
	"github.com/example/paygate/internal/model"
	"github.com/example/paygate/internal/store"
)

var jwtSecret []byte

type App struct {
	Engine      *engine.Engine
	Store       store.Store
	Content     content.Store
	rateLimiter *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

// Router wires middleware and routes. AgentAuth only bites on the
// management surface; the reader-facing storefront needs no credential.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := a.Store.(interface{ Ping() bool }); ok {
			if !p.Ping() {
				w.WriteHeader(503)
				w.Write([]byte(`{"ready":false}`))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.AgentAuth)
	v1.Use(a.RateLimit)

	// Storefront endpoints
	v1.HandleFunc("/articles", a.HandleListArticles).Methods("GET")
	v1.HandleFunc("/articles/{id}", a.HandleGetArticle).Methods("GET")
	v1.HandleFunc("/challenges", a.HandleCreateChallenge).Methods("POST")
	v1.HandleFunc("/challenges/{id}/verify", a.HandleVerifyChallenge).Methods("POST")
	v1.HandleFunc("/sessions/me", a.HandleSessionMe).Methods("GET")
	v1.HandleFunc("/sessions/consume", a.HandleSessionConsume).Methods("POST")
	v1.HandleFunc("/policy/check", a.HandlePolicyCheck).Methods("POST")

	// Management endpoints (agent key required, except bootstrap)
	v1.HandleFunc("/agents", a.HandleCreateAgent).Methods("POST")
	v1.HandleFunc("/agents/{id}", a.HandleGetAgent).Methods("GET")
	v1.HandleFunc("/policy/{subjectKind}/{subjectId}", a.HandleGetPolicy).Methods("GET")
	v1.HandleFunc("/policy/{subjectKind}/{subjectId}", a.HandlePutPolicy).Methods("PUT")

	return r
}

func buildVerifier(c *cfg.Config) (chain.Verifier, error) {
	if c.ChainMode == "mock" {
		log.Println("Using mock chain verifier (not for production)")
		return chain.NewMockVerifier(nil), nil
	}
	client, err := chain.NewEthClient(c.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dialing rpc endpoint: %w", err)
	}
	rpc := chain.NewRPCVerifier(client, chain.Config{
		ExplorerTxURL: c.ExplorerTxURL,
		AssetDecimals: int32(c.AssetDecimals),
	}, nil)
	return chain.NewRetryVerifier(rpc, c.VerifyAttempts, c.VerifyInterval), nil
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	jwtSecret = []byte(c.JwtSecret)

	var db store.Store
	var articles content.Store
	switch c.DBAdapter {
	case "sqlite":
		s, err := store.NewSQLite(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		db = s
		cs, err := content.NewSQLite(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite content init: %v", err)
		}
		if err := cs.Seed(content.SampleArticles()...); err != nil {
			log.Fatalf("seeding catalogue: %v", err)
		}
		articles = cs
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Fatalf("postgres config error: %v", err)
		}

		// Apply migrations before connecting
		log.Println("Applying database migrations...")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			log.Printf("migrations warning: %v", err)
		} else {
			log.Println("Migrations applied successfully")
		}

		p, err := store.NewPostgres(dsn)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		db = p
		articles = content.NewMem(content.SampleArticles()...)
		log.Println("Connected to PostgreSQL database")
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		db = store.NewMem()
		articles = content.NewMem(content.SampleArticles()...)
	default:
		log.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	verifier, err := buildVerifier(c)
	if err != nil {
		log.Fatalf("chain verifier: %v", err)
	}

	eng := engine.New(engine.Config{
		ChallengeTTL:       c.ChallengeTTL,
		SessionTTL:         c.SessionTTL,
		CostPerUnlock:      c.CostPerUnlock,
		CreditsPerPurchase: c.CreditsPerPurchase,
		Currency:           c.Currency,
		ChainName:          c.ChainName,
		ChainID:            c.ChainID.Int64(),
		PayTo:              c.PayToAddress,
		AssetType:          model.AssetType(c.AssetType),
		AssetSymbol:        c.AssetSymbol,
		AssetDecimals:      int32(c.AssetDecimals),
	}, engine.Deps{
		Challenges: db,
		Receipts:   db,
		Sessions:   db,
		Usage:      db,
		TxRefs:     db,
		Policies:   db,
		Articles:   articles,
		Verifier:   verifier,
	})

	app := &App{Engine: eng, Store: db, Content: articles, rateLimiter: NewRateLimiter()}

	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 60 * time.Second}

	go func() {
		fmt.Println("Starting paygate server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.Store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	fmt.Println("Server exited properly")
}
