package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/paygate/internal/engine"
	"github.com/example/paygate/internal/ident"
	"github.com/example/paygate/internal/model"
	"github.com/example/paygate/internal/policy"
)

// sessionFromRequest extracts the caller's session id. Raw ids travel
// in X-Session-Token; browsers send the signed form as a bearer token.
func sessionFromRequest(r *http.Request) string {
	if sid := r.Header.Get("X-Session-Token"); sid != "" {
		return sid
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		if sid, err := parseSessionJWT(strings.TrimPrefix(auth, "Bearer ")); err == nil {
			return sid
		}
	}
	return ""
}

// HandleListArticles returns the free preview catalogue.
// GET /api/v1/articles
func (a *App) HandleListArticles(w http.ResponseWriter, r *http.Request) {
	articles, err := a.Content.ListArticles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load articles")
		return
	}
	previews := make([]*model.Article, 0, len(articles))
	for _, art := range articles {
		p := *art
		p.Body = ""
		previews = append(previews, &p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"articles": previews})
}

// HandleGetArticle unlocks an article against the caller's session or
// answers 402 with a fresh challenge.
// GET /api/v1/articles/{id}
func (a *App) HandleGetArticle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := a.Engine.GetOrChallenge(id, sessionFromRequest(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"article": res.Article,
		"session": res.Session,
	})
}

// HandleCreateChallenge issues a pending challenge, either for a
// catalogue article or for a direct transfer.
// POST /api/v1/challenges
func (a *App) HandleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceID  string `json:"resourceId"`
		Target      string `json:"target"`
		AmountCents int64  `json:"amountCents"`
		Description string `json:"description"`
		ValiditySec int64  `json:"validitySeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	var (
		ch  *model.PaymentChallenge
		err error
	)
	switch {
	case req.ResourceID != "":
		ch, err = a.Engine.IssueChallenge(req.ResourceID, time.Duration(req.ValiditySec)*time.Second)
	case req.Target != "":
		ch, err = a.Engine.IssueTransferChallenge(req.Target, req.AmountCents, req.Description)
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "resourceId or target is required")
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"challenge": ch})
}

// HandleVerifyChallenge settles a challenge with a proof of payment.
// Retries are safe; repeating a settled challenge returns the prior
// receipt.
// POST /api/v1/challenges/{id}/verify
func (a *App) HandleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var proof model.TransactionProof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if proof.TransactionRef == "" && proof.TxHash == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "transactionRef or txHash is required")
		return
	}

	settled, err := a.Engine.VerifyAndIssueSession(r.Context(), id, proof, sessionFromRequest(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	token, err := createSessionJWT(settled.Session.ID, settled.Session.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to sign session token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"receipt":      settled.Receipt,
		"session":      settled.Session,
		"sessionToken": token,
	})
}

// HandleSessionMe introspects the caller's session.
// GET /api/v1/sessions/me
func (a *App) HandleSessionMe(w http.ResponseWriter, r *http.Request) {
	sid := sessionFromRequest(r)
	if sid == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session token required")
		return
	}
	sess, err := a.Engine.Session(sid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// HandleSessionConsume debits credits from the caller's session, the
// widget's low-level unlock call.
// POST /api/v1/sessions/consume
func (a *App) HandleSessionConsume(w http.ResponseWriter, r *http.Request) {
	sid := sessionFromRequest(r)
	if sid == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session token required")
		return
	}
	var req struct {
		Credits int64 `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	sess, err := a.Engine.Debit(sid, req.Credits)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

func subjectKind(s string) (model.SubjectKind, bool) {
	switch model.SubjectKind(s) {
	case model.SubjectUser:
		return model.SubjectUser, true
	case model.SubjectAgent:
		return model.SubjectAgent, true
	}
	return "", false
}

// HandlePolicyCheck evaluates a proposed spend against the subject's
// policy. With "record": true an allowed spend is also added to the
// daily ledger.
// POST /api/v1/policy/check
func (a *App) HandlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectKind string `json:"subjectKind"`
		SubjectID   string `json:"subjectId"`
		AmountCents int64  `json:"amountCents"`
		Origin      string `json:"origin"`
		Path        string `json:"path"`
		Record      bool   `json:"record"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	kind, ok := subjectKind(req.SubjectKind)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "subjectKind must be user or agent")
		return
	}
	if req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "subjectId is required")
		return
	}

	decision, err := a.Engine.CheckSpend(kind, req.SubjectID, req.AmountCents, req.Origin, req.Path)
	if err != nil {
		var denied *engine.PolicyViolationError
		if errors.As(err, &denied) {
			writeErrorDetails(w, http.StatusForbidden, "POLICY_VIOLATION", denied.Error(), map[string]interface{}{
				"decision": decision,
			})
			return
		}
		writeEngineError(w, err)
		return
	}

	resp := map[string]interface{}{"decision": decision}
	if req.Record {
		total, err := a.Engine.RecordSpend(kind, req.SubjectID, req.AmountCents)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp["dailySpentCents"] = total
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetPolicy returns the subject's effective policy (defaults when
// none is stored).
// GET /api/v1/policy/{subjectKind}/{subjectId}
func (a *App) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, ok := subjectKind(vars["subjectKind"])
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "subjectKind must be user or agent")
		return
	}
	p, err := a.Engine.PolicyFor(kind, vars["subjectId"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policy": p})
}

// HandlePutPolicy replaces the subject's policy in full.
// PUT /api/v1/policy/{subjectKind}/{subjectId}
func (a *App) HandlePutPolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, ok := subjectKind(vars["subjectKind"])
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "subjectKind must be user or agent")
		return
	}
	var p model.SpendPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if err := a.Engine.SetPolicy(kind, vars["subjectId"], p); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policy": p})
}

// HandleCreateAgent registers an agent credential. The key is returned
// exactly once.
// POST /api/v1/agents
func (a *App) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string             `json:"name"`
		Policy *model.SpendPolicy `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Name is required")
		return
	}

	p := policy.Default()
	if req.Policy != nil {
		if field, ok := policy.Validate(*req.Policy); !ok {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid policy field: "+field)
			return
		}
		p = *req.Policy
	}

	key, err := generateAgentKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate agent key")
		return
	}
	hash, err := hashAgentKey(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash agent key")
		return
	}

	now := time.Now().UTC()
	agent := &model.Agent{
		ID:        ident.UUID{}.NewID(ident.PrefixAgent),
		Name:      req.Name,
		KeyHash:   hash,
		KeyPrefix: agentKeyPrefix(key),
		Policy:    p,
		CreatedAt: now,
	}
	if err := a.Store.CreateAgent(agent); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create agent")
		return
	}
	if err := a.Store.PutPolicy(model.SubjectID(model.SubjectAgent, agent.ID), p); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store agent policy")
		return
	}

	// Key is only returned on creation
	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"agent": agent,
		"key":   key,
	})
}

// HandleGetAgent returns an agent's public record.
// GET /api/v1/agents/{id}
func (a *App) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := a.Store.GetAgent(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load agent")
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent": agent})
}
