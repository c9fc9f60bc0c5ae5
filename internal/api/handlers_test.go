package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"strategy-agent/config"
	"strategy-agent/internal/database"
	"strategy-agent/internal/events"
	"strategy-agent/internal/models"
	"strategy-agent/internal/runtime"
)

// fakeRepo is an in-memory Repository for handler tests.
type fakeRepo struct {
	mu         sync.Mutex
	healthErr  error
	strategies map[string]*models.StrategyRecord
	details    map[string][]*database.Detail
	snapshots  map[string]*models.PortfolioView
	holdings   map[string][]*database.Holding
	history    map[string][]*database.PortfolioSnapshot
	prompts    map[string]*database.Prompt
	promptSeq  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		strategies: make(map[string]*models.StrategyRecord),
		details:    make(map[string][]*database.Detail),
		snapshots:  make(map[string]*models.PortfolioView),
		holdings:   make(map[string][]*database.Holding),
		history:    make(map[string][]*database.PortfolioSnapshot),
		prompts:    make(map[string]*database.Prompt),
	}
}

func (f *fakeRepo) HealthCheck(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeRepo) CreateStrategy(_ context.Context, rec *models.StrategyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.strategies[rec.StrategyID] = &cp
	return nil
}

func (f *fakeRepo) GetStrategy(_ context.Context, strategyID string) (*models.StrategyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.strategies[strategyID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRepo) ListStrategies(_ context.Context, userID string) ([]*models.StrategyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.StrategyRecord
	for _, rec := range f.strategies {
		if userID != "" && rec.UserID != userID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) SetStrategyStatus(_ context.Context, strategyID string, status models.StrategyStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.strategies[strategyID]; ok {
		rec.Status = status
	}
	return nil
}

func (f *fakeRepo) GetDetails(_ context.Context, strategyID string, limit int) ([]*database.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.details[strategyID]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeRepo) LatestPortfolioSnapshot(_ context.Context, strategyID string) (*models.PortfolioView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[strategyID], nil
}

func (f *fakeRepo) LatestHoldings(_ context.Context, strategyID string) ([]*database.Holding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holdings[strategyID], nil
}

func (f *fakeRepo) PortfolioHistory(_ context.Context, strategyID string, limit int) ([]*database.PortfolioSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.history[strategyID]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeRepo) ListPrompts(_ context.Context) ([]*database.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.Prompt
	for _, p := range f.prompts {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) GetPrompt(_ context.Context, id string) (*database.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prompts[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) CreatePrompt(_ context.Context, name, content string) (*database.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptSeq++
	p := &database.Prompt{
		ID:        fmt.Sprintf("prompt-%d", f.promptSeq),
		Name:      name,
		Content:   content,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.prompts[p.ID] = p
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) UpdatePrompt(_ context.Context, id, name, content string) (*database.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prompts[id]
	if !ok {
		return nil, nil
	}
	p.Name = name
	p.Content = content
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) DeletePrompt(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.prompts[id]; !ok {
		return false, nil
	}
	delete(f.prompts, id)
	return true, nil
}

func (f *fakeRepo) strategy(id string) *models.StrategyRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategies[id]
}

func (f *fakeRepo) putStrategy(rec *models.StrategyRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategies[rec.StrategyID] = rec
}

func newTestServer(repo Repository) (*Server, *runtime.Manager) {
	cfg := &config.Config{}
	manager := runtime.NewManager(zerolog.Nop())
	deps := runtime.Deps{
		Config: cfg,
		Store:  runtime.NewMemoryStore(),
		Bus:    events.NewEventBus(),
		Logger: zerolog.Nop(),
	}
	server := NewServer(cfg, repo, manager, deps, nil, nil, zerolog.Nop())
	return server, manager
}

func doRequest(server *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	return w
}

// successData unwraps the {"success": true, "data": {...}} envelope.
func successData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	if !resp.Success {
		t.Fatalf("Expected success=true, got body %s", w.Body.String())
	}
	return resp.Data
}

func TestCreateStrategy(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(2 * time.Second)

	body := `{"trading_config": {"strategy_name": "btc-grid", "symbols": ["btc-usdt"], "composer": "grid"}}`
	w := doRequest(server, http.MethodPost, "/api/v1/strategies", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Success    bool   `json:"success"`
		StrategyID string `json:"strategy_id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if !resp.Success {
		t.Error("Expected success=true")
	}
	if resp.Name != "btc-grid" {
		t.Errorf("Expected name 'btc-grid', got %q", resp.Name)
	}
	if resp.Status != string(models.StatusRunning) {
		t.Errorf("Expected status %q, got %q", models.StatusRunning, resp.Status)
	}

	rec := repo.strategy(resp.StrategyID)
	if rec == nil {
		t.Fatal("Expected strategy row to be persisted")
	}
	if rec.Status != models.StatusRunning {
		t.Errorf("Expected persisted status running, got %q", rec.Status)
	}
	if rec.Config == nil || len(rec.Config.TradingConfig.Symbols) != 1 || rec.Config.TradingConfig.Symbols[0] != "BTC-USDT" {
		t.Errorf("Expected normalized symbols [BTC-USDT], got %+v", rec.Config)
	}
	if manager.Count() != 1 {
		t.Errorf("Expected 1 active strategy, got %d", manager.Count())
	}
}

func TestCreateStrategyValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"trading_config":`},
		{name: "no symbols", body: `{"trading_config": {"symbols": []}}`},
		{name: "bad composer", body: `{"trading_config": {"symbols": ["BTC-USDT"], "composer": "martingale"}}`},
		{name: "live without credentials", body: `{"trading_config": {"symbols": ["BTC-USDT"]}, "exchange_config": {"trading_mode": "live", "exchange_id": "binance"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			server, manager := newTestServer(repo)
			defer manager.Shutdown(time.Second)

			w := doRequest(server, http.MethodPost, "/api/v1/strategies", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d. Body: %s", w.Code, w.Body.String())
			}
			if manager.Count() != 0 {
				t.Errorf("Expected no launched strategies, got %d", manager.Count())
			}
		})
	}
}

func TestStopStrategy(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	repo.putStrategy(&models.StrategyRecord{StrategyID: "strategy-1", Name: "one", Status: models.StatusRunning})

	w := doRequest(server, http.MethodPost, "/api/v1/strategies/strategy-1/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}

	data := successData(t, w)
	if data["status"] != string(models.StatusStopped) {
		t.Errorf("Expected status stopped, got %v", data["status"])
	}
	if data["active"] != false {
		t.Errorf("Expected active=false, got %v", data["active"])
	}

	rec := repo.strategy("strategy-1")
	if rec.Status != models.StatusStopped {
		t.Errorf("Expected persisted status stopped, got %q", rec.Status)
	}
}

func TestStopStrategyIdempotent(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	repo.putStrategy(&models.StrategyRecord{StrategyID: "strategy-1", Status: models.StatusStopped})

	w := doRequest(server, http.MethodPost, "/api/v1/strategies/strategy-1/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on already-stopped strategy, got %d", w.Code)
	}
	if rec := repo.strategy("strategy-1"); rec.Status != models.StatusStopped {
		t.Errorf("Expected status to stay stopped, got %q", rec.Status)
	}
}

func TestStopStrategyNotFound(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	w := doRequest(server, http.MethodPost, "/api/v1/strategies/nope/stop", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d. Body: %s", w.Code, w.Body.String())
	}
}

func TestListStrategies(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	repo.putStrategy(&models.StrategyRecord{StrategyID: "strategy-1", UserID: "alice", Status: models.StatusRunning})
	repo.putStrategy(&models.StrategyRecord{StrategyID: "strategy-2", UserID: "bob", Status: models.StatusStopped})

	w := doRequest(server, http.MethodGet, "/api/v1/strategies", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	data := successData(t, w)
	if data["count"] != float64(2) {
		t.Errorf("Expected count 2, got %v", data["count"])
	}

	w = doRequest(server, http.MethodGet, "/api/v1/strategies?user_id=alice", "")
	data = successData(t, w)
	if data["count"] != float64(1) {
		t.Errorf("Expected count 1 for user filter, got %v", data["count"])
	}
}

func TestGetStrategy(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	repo.putStrategy(&models.StrategyRecord{StrategyID: "strategy-1", Name: "one", Status: models.StatusRunning})
	repo.snapshots["strategy-1"] = &models.PortfolioView{StrategyID: "strategy-1", FreeCash: 9000, TotalValue: 10500}
	entry := 50000.0
	repo.holdings["strategy-1"] = []*database.Holding{
		{StrategyID: "strategy-1", Symbol: "BTC-USDT", Quantity: 0.03, EntryPrice: &entry},
	}

	w := doRequest(server, http.MethodGet, "/api/v1/strategies/strategy-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}

	data := successData(t, w)
	strategy, ok := data["strategy"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected strategy object, got %v", data["strategy"])
	}
	if strategy["name"] != "one" {
		t.Errorf("Expected name 'one', got %v", strategy["name"])
	}
	if data["active"] != false {
		t.Errorf("Expected active=false for unmanaged strategy, got %v", data["active"])
	}
	portfolio, ok := data["portfolio"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected portfolio snapshot, got %v", data["portfolio"])
	}
	if portfolio["free_cash"] != float64(9000) {
		t.Errorf("Expected free_cash 9000, got %v", portfolio["free_cash"])
	}
	holdings, ok := data["holdings"].([]interface{})
	if !ok || len(holdings) != 1 {
		t.Errorf("Expected 1 holding, got %v", data["holdings"])
	}
}

func TestGetStrategyNotFound(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	w := doRequest(server, http.MethodGet, "/api/v1/strategies/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestStrategyDetails(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	repo.putStrategy(&models.StrategyRecord{StrategyID: "strategy-1", Status: models.StatusRunning})
	for i := 0; i < 5; i++ {
		repo.details["strategy-1"] = append(repo.details["strategy-1"], &database.Detail{
			StrategyID: "strategy-1",
			TradeID:    fmt.Sprintf("trade-%d", i),
			Symbol:     "BTC-USDT",
			Side:       "buy",
			Quantity:   1,
		})
	}

	w := doRequest(server, http.MethodGet, "/api/v1/strategies/strategy-1/details?limit=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	data := successData(t, w)
	if data["count"] != float64(3) {
		t.Errorf("Expected count 3 with limit, got %v", data["count"])
	}

	w = doRequest(server, http.MethodGet, "/api/v1/strategies/strategy-1/details", "")
	data = successData(t, w)
	if data["count"] != float64(5) {
		t.Errorf("Expected count 5 without limit, got %v", data["count"])
	}
}

func TestPortfolioHistory(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	repo.putStrategy(&models.StrategyRecord{StrategyID: "strategy-1", Status: models.StatusRunning})
	repo.history["strategy-1"] = []*database.PortfolioSnapshot{
		{StrategyID: "strategy-1", Cash: 10000, TotalValue: 10000},
		{StrategyID: "strategy-1", Cash: 9000, TotalValue: 10200},
	}

	w := doRequest(server, http.MethodGet, "/api/v1/strategies/strategy-1/portfolio", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	data := successData(t, w)
	if data["count"] != float64(2) {
		t.Errorf("Expected count 2, got %v", data["count"])
	}

	w = doRequest(server, http.MethodGet, "/api/v1/strategies/nope/portfolio", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown strategy, got %d", w.Code)
	}
}

func TestPromptCRUD(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	w := doRequest(server, http.MethodPost, "/api/v1/prompts", `{"name": "momentum", "content": "Trade the trend."}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", w.Code, w.Body.String())
	}
	var created struct {
		Success bool            `json:"success"`
		Prompt  database.Prompt `json:"prompt"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse create response: %v", err)
	}
	if created.Prompt.ID == "" {
		t.Fatal("Expected created prompt to have an id")
	}

	w = doRequest(server, http.MethodGet, "/api/v1/prompts/"+created.Prompt.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on get, got %d", w.Code)
	}
	data := successData(t, w)
	prompt := data["prompt"].(map[string]interface{})
	if prompt["name"] != "momentum" {
		t.Errorf("Expected name 'momentum', got %v", prompt["name"])
	}

	w = doRequest(server, http.MethodPut, "/api/v1/prompts/"+created.Prompt.ID, `{"name": "momentum-v2", "content": "Trade the trend, cut losers."}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on update, got %d. Body: %s", w.Code, w.Body.String())
	}
	data = successData(t, w)
	prompt = data["prompt"].(map[string]interface{})
	if prompt["name"] != "momentum-v2" {
		t.Errorf("Expected updated name, got %v", prompt["name"])
	}

	w = doRequest(server, http.MethodGet, "/api/v1/prompts", "")
	data = successData(t, w)
	if data["count"] != float64(1) {
		t.Errorf("Expected 1 prompt listed, got %v", data["count"])
	}

	w = doRequest(server, http.MethodDelete, "/api/v1/prompts/"+created.Prompt.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on delete, got %d", w.Code)
	}

	w = doRequest(server, http.MethodGet, "/api/v1/prompts/"+created.Prompt.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", w.Code)
	}
}

func TestPromptValidation(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	w := doRequest(server, http.MethodPost, "/api/v1/prompts", `{"name": "no-content"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing content, got %d", w.Code)
	}

	w = doRequest(server, http.MethodPut, "/api/v1/prompts/nope", `{"name": "x", "content": "y"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown prompt update, got %d", w.Code)
	}

	w = doRequest(server, http.MethodDelete, "/api/v1/prompts/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown prompt delete, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	w := doRequest(server, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", resp["status"])
	}
	if resp["database"] != "ok" {
		t.Errorf("Expected database ok, got %v", resp["database"])
	}
	if resp["cache"] != "disabled" {
		t.Errorf("Expected cache disabled, got %v", resp["cache"])
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	repo := newFakeRepo()
	repo.healthErr = fmt.Errorf("connection refused")
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	w := doRequest(server, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Errorf("Expected status degraded, got %v", resp["status"])
	}
	if resp["database"] != "unavailable" {
		t.Errorf("Expected database unavailable, got %v", resp["database"])
	}
}

func TestSystemStatus(t *testing.T) {
	repo := newFakeRepo()
	server, manager := newTestServer(repo)
	defer manager.Shutdown(time.Second)

	w := doRequest(server, http.MethodGet, "/api/v1/system/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	data := successData(t, w)
	if data["database"] != "ok" {
		t.Errorf("Expected database ok, got %v", data["database"])
	}
	if _, ok := data["cpu_percent"]; !ok {
		t.Error("Expected cpu_percent in payload")
	}
	if _, ok := data["ram_percent"]; !ok {
		t.Error("Expected ram_percent in payload")
	}
	if data["active_strategies"] != float64(0) {
		t.Errorf("Expected 0 active strategies, got %v", data["active_strategies"])
	}
	if _, ok := data["cache"]; ok {
		t.Error("Expected no cache stats when cache is nil")
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)

	if !limiter.Allow("10.0.0.1") {
		t.Error("Expected first request to be allowed")
	}
	if !limiter.Allow("10.0.0.1") {
		t.Error("Expected second request to be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("Expected third request to be rejected")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Error("Expected different key to have its own budget")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	limiter := NewRateLimiter(1, 20*time.Millisecond)

	if !limiter.Allow("k") {
		t.Fatal("Expected first request to be allowed")
	}
	if limiter.Allow("k") {
		t.Fatal("Expected second request to be rejected")
	}
	time.Sleep(30 * time.Millisecond)
	if !limiter.Allow("k") {
		t.Error("Expected request to be allowed after the window expired")
	}
}
