package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/payments"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var testServerConfig = domain.ServerConfig{
	Host:         "localhost",
	Port:         8080,
	ReadTimeout:  30,
	WriteTimeout: 30,
}

func loadEngine(t *testing.T, path string, required bool) *engine.Context {
	t.Helper()
	t.Setenv(engine.ModelPathEnv, "")

	cfg := domain.DefaultConfig()
	cfg.Model.Path = path
	cfg.Model.SearchPaths = nil
	cfg.Model.Required = required

	ec, err := engine.Load(cfg, engine.Deps{})
	if err != nil {
		t.Fatalf("engine.Load failed: %v", err)
	}
	return ec
}

// createTestServer creates a server backed by the fixture model and a
// SQLite database with two accounts.
func createTestServer(t *testing.T) (*Server, *repository.SQLRepository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	for _, a := range []*domain.Account{
		{Number: "1001", Name: "Ada Obi", Phone: "+2348000000001", Balance: 5000},
		{Number: "1002", Name: "Bayo Ade", Balance: 50000},
	} {
		if err := repo.SaveAccount(ctx, a); err != nil {
			t.Fatalf("SaveAccount failed: %v", err)
		}
	}

	ec := loadEngine(t, "../model/testdata/ensemble.json", true)
	return NewServer(testServerConfig, repo, nil, ec, "test-v1"), repo
}

func do(server *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestScoreEndpoint(t *testing.T) {
	server, repo := createTestServer(t)

	t.Run("Block", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/score", `{"Weight": 10000, "typeTrans": 1}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ScoreResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.Decision != domain.DecisionBlock {
			t.Errorf("expected BLOCK, got %s (score %.4f)", resp.Decision, resp.RiskScore)
		}
		if resp.Mode != domain.ModeScored {
			t.Errorf("expected scored mode, got %s", resp.Mode)
		}
		if len(resp.Explanation) == 0 || resp.Explanation[0] != "Transaction amount is unusually high" {
			t.Errorf("unexpected explanation: %v", resp.Explanation)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}

		eval, err := repo.GetEvaluation(context.Background(), resp.EvaluationID)
		if err != nil {
			t.Fatalf("evaluation not persisted: %v", err)
		}
		if eval.Decision != domain.DecisionBlock {
			t.Errorf("expected persisted BLOCK, got %s", eval.Decision)
		}
	})

	t.Run("Approve", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/score", `{"Weight": 100}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ScoreResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Decision != domain.DecisionApprove {
			t.Errorf("expected APPROVE, got %s (score %.4f)", resp.Decision, resp.RiskScore)
		}
	})

	t.Run("NonNumericFeature", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/score", `{"Weight": "lots"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "Weight") {
			t.Errorf("expected offending field in error, got %s", rr.Body.String())
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		for _, body := range []string{"not-json", "[1, 2]", "null"} {
			rr := do(server, http.MethodPost, "/score", body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("body %q: expected status 400, got %d", body, rr.Code)
			}
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/score", `{"Weight": 100}`)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestTransactionEndpoints(t *testing.T) {
	server, repo := createTestServer(t)
	ctx := context.Background()

	t.Run("Approved", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/transactions",
			`{"sourceAccount": "1001", "targetAccount": "2002", "amount": 100, "type": 0}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var res payments.SendResult
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Status != domain.TxStatusSuccess {
			t.Errorf("expected SUCCESS, got %s", res.Status)
		}
		if res.NewBalance != 4900 {
			t.Errorf("expected balance 4900, got %.2f", res.NewBalance)
		}

		rr = do(server, http.MethodGet, "/transactions/"+res.TxID, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var tx domain.Transaction
		json.Unmarshal(rr.Body.Bytes(), &tx)
		if tx.SourceAccount != "1001" || tx.Status != domain.TxStatusSuccess {
			t.Errorf("unexpected transaction: %+v", tx)
		}

		rr = do(server, http.MethodGet, "/accounts/1001/transactions", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var list struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &list)
		if list.Count != 1 {
			t.Errorf("expected 1 transaction, got %d", list.Count)
		}

		rr = do(server, http.MethodPost, "/transactions",
			`{"txId": "`+res.TxID+`", "sourceAccount": "1001", "targetAccount": "2002", "amount": 100}`)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected 409 for a reused txId, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("BlockedThenForbidden", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/transactions",
			`{"sourceAccount": "1002", "targetAccount": "2002", "amount": 10000, "type": 1}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var res payments.SendResult
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Decision != domain.DecisionBlock || res.Status != domain.TxStatusBlocked {
			t.Fatalf("expected BLOCK/BLOCKED, got %s/%s (score %.4f)", res.Decision, res.Status, res.RiskScore)
		}

		rr = do(server, http.MethodGet, "/accounts/1002", "")
		var acct domain.Account
		json.Unmarshal(rr.Body.Bytes(), &acct)
		if acct.Status != domain.AccountHold || acct.Balance != 50000 {
			t.Errorf("expected held account with untouched balance, got %+v", acct)
		}

		rr = do(server, http.MethodPost, "/transactions",
			`{"sourceAccount": "1002", "targetAccount": "2002", "amount": 10}`)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}
	})

	t.Run("ErrorStatus", func(t *testing.T) {
		tests := []struct {
			name string
			body string
			want int
		}{
			{"UnknownAccount", `{"sourceAccount": "9999", "targetAccount": "2002", "amount": 10}`, http.StatusNotFound},
			{"InsufficientFunds", `{"sourceAccount": "1001", "targetAccount": "2002", "amount": 1000000}`, http.StatusBadRequest},
			{"ZeroAmount", `{"sourceAccount": "1001", "targetAccount": "2002", "amount": 0}`, http.StatusBadRequest},
			{"MissingTarget", `{"sourceAccount": "1001", "amount": 10}`, http.StatusBadRequest},
			{"NonNumericTarget", `{"sourceAccount": "1001", "targetAccount": "abc", "amount": 10}`, http.StatusBadRequest},
			{"InvalidJSON", `not-json`, http.StatusBadRequest},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := do(server, http.MethodPost, "/transactions", tt.body)
				if rr.Code != tt.want {
					t.Errorf("expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		for _, path := range []string{"/transactions/missing", "/accounts/9999", "/accounts/9999/transactions"} {
			rr := do(server, http.MethodGet, path, "")
			if rr.Code != http.StatusNotFound {
				t.Errorf("%s: expected status 404, got %d", path, rr.Code)
			}
		}
	})

	acct, err := repo.GetAccount(ctx, "1001")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != 4900 {
		t.Errorf("rejected transfers must not move money, balance %.2f", acct.Balance)
	}
}

func TestAdminEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("ProvisionAndUpdate", func(t *testing.T) {
		rr := do(server, http.MethodPut, "/admin/accounts/3003", `{"name": "Chi Eze", "balance": 250}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var acct domain.Account
		json.Unmarshal(rr.Body.Bytes(), &acct)
		if acct.Status != domain.AccountActive || acct.Balance != 250 {
			t.Errorf("unexpected account: %+v", acct)
		}

		rr = do(server, http.MethodPut, "/admin/accounts/3003", `{"phone": "+2348000000003"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		json.Unmarshal(rr.Body.Bytes(), &acct)
		if acct.Name != "Chi Eze" || acct.Balance != 250 || acct.Phone != "+2348000000003" {
			t.Errorf("update should keep omitted fields, got %+v", acct)
		}
	})

	t.Run("ProvisionInvalid", func(t *testing.T) {
		tests := []struct {
			name string
			path string
			body string
		}{
			{"NonNumericNumber", "/admin/accounts/abc", `{"name": "x"}`},
			{"NegativeBalance", "/admin/accounts/3004", `{"balance": -1}`},
			{"UnknownStatus", "/admin/accounts/3004", `{"status": "FROZEN"}`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := do(server, http.MethodPut, tt.path, tt.body)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("HoldAndRelease", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/admin/accounts/1001/hold", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = do(server, http.MethodPost, "/transactions",
			`{"sourceAccount": "1001", "targetAccount": "2002", "amount": 100}`)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403 while held, got %d", rr.Code)
		}

		rr = do(server, http.MethodPost, "/admin/accounts/1001/release", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = do(server, http.MethodPost, "/transactions",
			`{"sourceAccount": "1001", "targetAccount": "2002", "amount": 100}`)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200 after release, got %d", rr.Code)
		}

		rr = do(server, http.MethodPost, "/admin/accounts/9999/hold", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListsAndStats", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/admin/accounts", "")
		var accounts struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &accounts)
		if accounts.Count != 3 {
			t.Errorf("expected 3 accounts, got %d", accounts.Count)
		}

		rr = do(server, http.MethodGet, "/admin/transactions?limit=10", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		rr = do(server, http.MethodGet, "/admin/transactions?limit=-1", "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}

		rr = do(server, http.MethodGet, "/admin/stats", "")
		var stats domain.Stats
		json.Unmarshal(rr.Body.Bytes(), &stats)
		if stats.TotalAccounts != 3 || stats.TotalTransactions != 1 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})

	t.Run("Evaluation", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/score", `{"Weight": 6000}`)
		var resp ScoreResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)

		rr = do(server, http.MethodGet, "/admin/evaluations/"+resp.EvaluationID, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var eval domain.Evaluation
		json.Unmarshal(rr.Body.Bytes(), &eval)
		if eval.Decision != domain.DecisionChallenge {
			t.Errorf("expected CHALLENGE, got %s", eval.Decision)
		}

		rr = do(server, http.MethodGet, "/admin/evaluations/missing", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestWithoutRepository(t *testing.T) {
	ec := loadEngine(t, "../model/testdata/ensemble.json", true)
	server := NewServer(testServerConfig, nil, nil, ec, "test-v1")

	rr := do(server, http.MethodPost, "/score", `{"Weight": 100}`)
	if rr.Code != http.StatusOK {
		t.Errorf("scoring should not need a repository, got %d", rr.Code)
	}

	for _, path := range []string{"/transactions/x", "/admin/stats"} {
		rr := do(server, http.MethodGet, path, "")
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected status 503, got %d", path, rr.Code)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/health", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyScored", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/ready", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]interface{}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["mode"] != domain.ModeScored {
			t.Errorf("expected scored mode, got %v", resp["mode"])
		}
	})

	t.Run("ReadyDegraded", func(t *testing.T) {
		ec := loadEngine(t, filepath.Join(t.TempDir(), "missing.json"), false)
		degraded := NewServer(testServerConfig, nil, nil, ec, "test-v1")

		rr := do(degraded, http.MethodGet, "/ready", "")
		var resp map[string]interface{}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["mode"] != domain.ModeDegraded {
			t.Errorf("expected degraded mode, got %v", resp["mode"])
		}
		if resp["degradedReason"] == nil {
			t.Error("expected degradedReason")
		}

		rr = do(degraded, http.MethodPost, "/score", `{"Weight": 100}`)
		var score ScoreResponse
		json.Unmarshal(rr.Body.Bytes(), &score)
		if score.RiskScore != 0.5 || score.Decision != domain.DecisionChallenge {
			t.Errorf("expected degraded 0.5 CHALLENGE, got %.4f %s", score.RiskScore, score.Decision)
		}
	})

	t.Run("ModelInfo", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/model", "")
		var info engine.Info
		json.Unmarshal(rr.Body.Bytes(), &info)
		if info.ModelVersion != "Ensemble AI v1" || len(info.Columns) != 4 {
			t.Errorf("unexpected model info: %+v", info)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(server, http.MethodGet, "/health", "")
		rr := do(server, http.MethodGet, "/metrics", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "kestrel_http_requests_total") {
			t.Error("expected HTTP request counter in metrics output")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("TracingMiddlewareKeepsRequestID", func(t *testing.T) {
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("expected request ID to be echoed, got %q", rr.Header().Get(RequestIDHeader))
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		server, _ := createTestServer(t)
		req := httptest.NewRequest(http.MethodOptions, "/score", nil)
		req.Header.Set("Origin", "http://admin.local")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "http://admin.local" {
			t.Error("expected origin to be echoed")
		}
	})
}
