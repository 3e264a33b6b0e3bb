package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/audit"
	"github.com/punchamoorthee/transferledger/internal/idempotency"
	"github.com/punchamoorthee/transferledger/internal/ledger"
	"github.com/punchamoorthee/transferledger/internal/models"
	"github.com/punchamoorthee/transferledger/internal/service"
)

const testSecret = "test-signing-key"

type testServer struct {
	router http.Handler
	ledger *ledger.MemoryLedger
	idem   *idempotency.MemoryStore
	audit  *audit.MemoryLog
}

func newTestServer(t *testing.T, secret string, ready func(context.Context) error) *testServer {
	t.Helper()
	ts := &testServer{
		ledger: ledger.NewMemoryLedger(nil),
		idem:   idempotency.NewMemoryStore(idempotency.DefaultPolicy(), nil),
		audit:  audit.NewMemoryLog(),
	}
	for id, bal := range map[string]int64{"X": 1000, "Y": 0} {
		_, err := ts.ledger.CreateAccount(context.Background(), id, bal)
		require.NoError(t, err)
	}
	svc := service.NewTransferService(ts.ledger, ts.idem, ts.audit, service.Options{})
	ts.router = NewRouter(NewHandler(svc, zap.NewNop(), ready), zap.NewNop(), secret)
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) transfer(key, body string) *httptest.ResponseRecorder {
	return ts.do("POST", "/api/v1/transfers", body, map[string]string{IdempotencyKeyHeader: key})
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

const xToY300 = `{"source_account_id":"X","destination_account_id":"Y","amount":300}`

func TestCreateTransferCommitsAndReplays(t *testing.T) {
	ts := newTestServer(t, "", nil)

	first := ts.transfer("k1", xToY300)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.NotEmpty(t, first.Header().Get(RequestIDHeader))
	assert.Empty(t, first.Header().Get(ReplayedHeader))

	res := decode[models.TransferResult](t, first)
	assert.Equal(t, models.ResultCommitted, res.Status)
	assert.Equal(t, "/api/v1/transfers/"+res.TransferID, first.Header().Get("Location"))
	require.Len(t, res.Entries, 2)

	second := ts.transfer("k1", xToY300)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())

	bal := ts.do("GET", "/api/v1/accounts/X/balance", "", nil)
	require.Equal(t, http.StatusOK, bal.Code)
	assert.Equal(t, balanceResponse{AccountID: "X", Balance: 700}, decode[balanceResponse](t, bal))
}

func TestCreateTransferRejections(t *testing.T) {
	ts := newTestServer(t, "", nil)

	rr := ts.transfer("k2", `{"source_account_id":"X","destination_account_id":"Y","amount":5000}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	res := decode[models.TransferResult](t, rr)
	assert.Equal(t, models.ResultRejected, res.Status)
	assert.Equal(t, models.CodeInsufficientFunds, res.Reason)

	replay := ts.transfer("k2", `{"source_account_id":"X","destination_account_id":"Y","amount":5000}`)
	assert.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, rr.Body.String(), replay.Body.String())

	rr = ts.transfer("k3", `{"source_account_id":"X","destination_account_id":"Q","amount":5}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, models.CodeUnknownAccount, decode[models.TransferResult](t, rr).Reason)

	rr = ts.transfer("k4", `{"source_account_id":"X","destination_account_id":"X","amount":5}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, models.CodeInvalidRequest, decode[models.TransferResult](t, rr).Reason)
}

func TestCreateTransferBadInput(t *testing.T) {
	ts := newTestServer(t, "", nil)

	rr := ts.do("POST", "/api/v1/transfers", xToY300, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.transfer("k1", `{"source_account_id":"X","destination_account_id":"Y","amount":1,"memo":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "unknown fields are rejected")

	rr = ts.transfer("k1", `{"source_account_id":"X",`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.transfer("k1", `{"source_account_id":"X","destination_account_id":"Y","amount":"10"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, models.CodeInvalidRequest, decode[errorResponse](t, rr).Code)
}

func TestCreateTransferInFlight(t *testing.T) {
	ts := newTestServer(t, "", nil)
	req := models.TransferRequest{SourceAccountID: "X", DestinationAccountID: "Y", Amount: 300}
	_, err := ts.idem.Reserve(context.Background(), idempotency.Claim{
		Key: "busy", Fingerprint: idempotency.Fingerprint(req), Token: "other", TransferID: "t1",
	})
	require.NoError(t, err)

	rr := ts.transfer("busy", xToY300)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, models.CodeDuplicateInFlight, decode[errorResponse](t, rr).Code)
}

func TestAccountEndpoints(t *testing.T) {
	ts := newTestServer(t, "", nil)

	rr := ts.do("POST", "/api/v1/accounts", `{"id":"Z","opening_balance":42}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "/api/v1/accounts/Z", rr.Header().Get("Location"))

	rr = ts.do("POST", "/api/v1/accounts", `{"id":"Z","opening_balance":1}`, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do("POST", "/api/v1/accounts", `{"id":"W","opening_balance":-1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do("GET", "/api/v1/accounts/Z", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(42), decode[models.Account](t, rr).Balance)

	rr = ts.do("GET", "/api/v1/accounts/nobody/balance", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, models.CodeUnknownAccount, decode[errorResponse](t, rr).Code)

	rr = ts.do("GET", "/api/v1/accounts/Z/entries?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.LedgerEntry](t, rr), 1)

	rr = ts.do("GET", "/api/v1/accounts/Z/entries?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTransferLookupAndAudit(t *testing.T) {
	ts := newTestServer(t, "", nil)

	res := decode[models.TransferResult](t, ts.transfer("k1", xToY300))

	rr := ts.do("GET", "/api/v1/transfers/"+res.TransferID, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	tr := decode[models.Transfer](t, rr)
	assert.Equal(t, models.TransferCommitted, tr.Status)
	assert.Equal(t, int64(300), tr.Amount)

	rr = ts.do("GET", "/api/v1/transfers/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do("GET", "/api/v1/audit?account=Y", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	events := decode[[]models.AuditEvent](t, rr)
	require.Len(t, events, 1)
	assert.Equal(t, res.TransferID, events[0].TransferID)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rr = ts.do("GET", "/api/v1/audit?account=Y&from="+future, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]models.AuditEvent](t, rr))

	rr = ts.do("GET", "/api/v1/audit", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do("GET", "/api/v1/audit?account=Y&from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthAttributesCaller(t *testing.T) {
	ts := newTestServer(t, testSecret, nil)

	rr := ts.transfer("k1", xToY300)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	bad := signToken(t, "other-key", jwt.MapClaims{"sub": "alice"})
	rr = ts.do("POST", "/api/v1/transfers", xToY300, map[string]string{
		IdempotencyKeyHeader: "k1", "Authorization": "Bearer " + bad,
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	expired := signToken(t, testSecret, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Minute).Unix()})
	rr = ts.do("POST", "/api/v1/transfers", xToY300, map[string]string{
		IdempotencyKeyHeader: "k1", "Authorization": "Bearer " + expired,
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	good := signToken(t, testSecret, jwt.MapClaims{"sub": "alice", "email": "alice@example.com", "exp": time.Now().Add(time.Hour).Unix()})
	rr = ts.do("POST", "/api/v1/transfers", xToY300, map[string]string{
		IdempotencyKeyHeader: "k1", "Authorization": "Bearer " + good,
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	events, err := ts.audit.Query(context.Background(), audit.Filter{AccountID: "X"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Actor)

	health := ts.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, health.Code, "health is not behind auth")
}

// workerToken builds the edge worker's body.signature token.
func workerToken(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	body := base64.StdEncoding.EncodeToString(payload)
	sig, err := jwt.SigningMethodHS256.Sign(body, []byte(secret))
	require.NoError(t, err)
	return body + "." + base64.StdEncoding.EncodeToString(sig)
}

func TestAuthAcceptsWorkerTokens(t *testing.T) {
	ts := newTestServer(t, testSecret, nil)
	post := func(key, token string) *httptest.ResponseRecorder {
		return ts.do("POST", "/api/v1/transfers", xToY300, map[string]string{
			IdempotencyKeyHeader: key, "Authorization": "Bearer " + token,
		})
	}

	forged := workerToken(t, "other-key", map[string]any{"sub": 42})
	assert.Equal(t, http.StatusUnauthorized, post("k1", forged).Code)

	expired := workerToken(t, testSecret, map[string]any{"sub": 42, "exp": time.Now().Add(-time.Minute).Unix()})
	assert.Equal(t, http.StatusUnauthorized, post("k1", expired).Code)

	tampered := workerToken(t, testSecret, map[string]any{"sub": 42})
	tampered = "x" + tampered[1:]
	assert.Equal(t, http.StatusUnauthorized, post("k1", tampered).Code)

	good := workerToken(t, testSecret, map[string]any{
		"sub": 42, "email": "ops@example.com", "exp": time.Now().Add(time.Hour).Unix(),
	})
	require.Equal(t, http.StatusCreated, post("k1", good).Code)

	events, err := ts.audit.Query(context.Background(), audit.Filter{AccountID: "X"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "42", events[0].Actor)
}

func TestAuthAcceptsNumericSubject(t *testing.T) {
	ts := newTestServer(t, testSecret, nil)

	token := signToken(t, testSecret, jwt.MapClaims{"sub": 42, "exp": time.Now().Add(time.Hour).Unix()})
	rr := ts.do("POST", "/api/v1/transfers", xToY300, map[string]string{
		IdempotencyKeyHeader: "k1", "Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	events, err := ts.audit.Query(context.Background(), audit.Filter{AccountID: "X"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "42", events[0].Actor)
}

func TestReadiness(t *testing.T) {
	ts := newTestServer(t, "", func(context.Context) error { return errors.New("db down") })
	assert.Equal(t, http.StatusServiceUnavailable, ts.do("GET", "/healthz", "", nil).Code)

	ts = newTestServer(t, "", func(context.Context) error { return nil })
	assert.Equal(t, http.StatusOK, ts.do("GET", "/healthz", "", nil).Code)
}

func TestRecoveryReturns500(t *testing.T) {
	h := Logging(zap.NewNop())(Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "req-1", rr.Header().Get(RequestIDHeader))
}
