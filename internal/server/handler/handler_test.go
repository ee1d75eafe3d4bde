package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/authflow"
	"github.com/aspect-build/tunnelkeeper/internal/challenge"
	"github.com/aspect-build/tunnelkeeper/internal/crypto"
	"github.com/aspect-build/tunnelkeeper/internal/keyring"
	"github.com/aspect-build/tunnelkeeper/internal/partition"
	"github.com/aspect-build/tunnelkeeper/internal/server/db"
	"github.com/aspect-build/tunnelkeeper/internal/tunnel"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	key    *rsa.PrivateKey
}

// internalHeader stands in for the server middleware in these tests.
const internalHeader = "X-Test-Internal"

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pubPEM, err := crypto.EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	ring, err := keyring.New(map[string]string{"c1": pubPEM})
	if err != nil {
		t.Fatal(err)
	}

	store, err := db.NewStore(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	parts := partition.New(store, partition.Options{})
	t.Cleanup(func() {
		_ = parts.Close()
		_ = store.Close()
	})

	compact, err := crypto.NewCompactIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	svc := authflow.New(authflow.Deps{
		Keys:    ring,
		Ledger:  challenge.NewLedger(parts, challenge.Options{}),
		Tunnels: tunnel.NewRegistry(parts),
		Compact: compact,
		Secrets: map[string]string{"API_KEY": "sk-123"},
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(InternalKey, c.GetHeader(internalHeader) == "1")
		c.Next()
	})
	r.GET("/health", HandleHealth(store))
	r.POST("/challenge", HandleChallenge(svc))
	r.POST("/verify", HandleVerify(svc))
	r.POST("/tunnel/register", HandleRegisterTunnel(svc))
	r.GET("/tunnel/:clientId", HandleGetTunnel(svc))
	r.GET("/tunnels", HandleListTunnels(svc))
	return &testEnv{router: r, key: key}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %s", w.Body.String())
		}
	}
	return w, out
}

// login performs challenge + verify and returns the verify response.
func (e *testEnv) login(t *testing.T, extra map[string]any) map[string]any {
	t.Helper()
	w, ch := e.do(t, http.MethodPost, "/challenge", map[string]string{"clientId": "c1"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("challenge: %d %s", w.Code, w.Body.String())
	}
	value, _ := ch["challenge"].(string)
	if value == "" || ch["expiresAt"] == nil {
		t.Fatalf("challenge response = %v", ch)
	}
	sig, err := crypto.SignChallenge(e.key, value)
	if err != nil {
		t.Fatal(err)
	}

	body := map[string]any{"clientId": "c1", "challenge": value, "signature": sig}
	for k, v := range extra {
		body[k] = v
	}
	w, res := e.do(t, http.MethodPost, "/verify", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", w.Code, w.Body.String())
	}
	return res
}

func assertFailure(t *testing.T, w *httptest.ResponseRecorder, body map[string]any, code int, msg string) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("status = %d, want %d (%s)", w.Code, code, w.Body.String())
	}
	if body["success"] != false || body["error"] != msg {
		t.Fatalf("body = %v, want success=false error=%q", body, msg)
	}
}

func TestHealth(t *testing.T) {
	e := setupRouter(t)
	w, body := e.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", w.Code, body)
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("disk gone") }

func TestHealth_StorageDown(t *testing.T) {
	r := gin.New()
	r.GET("/health", HandleHealth(downPinger{}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestChallenge_Errors(t *testing.T) {
	e := setupRouter(t)

	w, body := e.do(t, http.MethodPost, "/challenge", "{not json", nil)
	assertFailure(t, w, body, http.StatusBadRequest, "Bad request")

	w, body = e.do(t, http.MethodPost, "/challenge", map[string]string{}, nil)
	assertFailure(t, w, body, http.StatusBadRequest, "Bad request")

	w, body = e.do(t, http.MethodPost, "/challenge", map[string]string{"clientId": "stranger"}, nil)
	assertFailure(t, w, body, http.StatusUnauthorized, "Authentication failed")
}

func TestVerify_Flow(t *testing.T) {
	e := setupRouter(t)

	res := e.login(t, nil)
	if res["success"] != true {
		t.Fatalf("verify = %v", res)
	}
	if tok, _ := res["accessToken"].(string); tok == "" {
		t.Error("missing accessToken")
	}
	if tok, _ := res["token"].(string); tok == "" {
		t.Error("missing token")
	}
	secrets, _ := res["secretData"].(map[string]any)
	if secrets["API_KEY"] != "sk-123" {
		t.Errorf("secretData = %v", res["secretData"])
	}
	if _, ok := res["repoList"]; ok {
		t.Error("repoList should be omitted")
	}
}

func TestVerify_Errors(t *testing.T) {
	e := setupRouter(t)

	w, body := e.do(t, http.MethodPost, "/verify", map[string]string{"clientId": "c1"}, nil)
	assertFailure(t, w, body, http.StatusBadRequest, "Bad request")

	w, body = e.do(t, http.MethodPost, "/verify", map[string]string{
		"clientId": "c1", "challenge": "never-issued", "signature": "AAAA",
	}, nil)
	assertFailure(t, w, body, http.StatusUnauthorized, "Authentication failed")
}

func TestTunnelEndpoints(t *testing.T) {
	e := setupRouter(t)
	internal := map[string]string{internalHeader: "1"}

	w, body := e.do(t, http.MethodGet, "/tunnel/c1", nil, internal)
	assertFailure(t, w, body, http.StatusNotFound, "Not found")

	w, body = e.do(t, http.MethodGet, "/tunnel/c1", nil, map[string]string{"Authorization": "Bearer guess"})
	assertFailure(t, w, body, http.StatusUnauthorized, "Authentication failed")

	res := e.login(t, map[string]any{"tunnelUrl": "https://one.example.com"})
	access := res["accessToken"].(string)

	w, body = e.do(t, http.MethodGet, "/tunnel/c1", nil, internal)
	if w.Code != http.StatusOK {
		t.Fatalf("get tunnel: %d %s", w.Code, w.Body.String())
	}
	data := body["data"].(map[string]any)
	if data["tunnelUrl"] != "https://one.example.com" || data["clientId"] != "c1" {
		t.Errorf("data = %v", data)
	}
	if _, leaked := data["token"]; leaked {
		t.Error("token leaked in response")
	}

	w, body = e.do(t, http.MethodGet, "/tunnel/c1", nil, nil)
	assertFailure(t, w, body, http.StatusUnauthorized, "Authentication failed")

	w, _ = e.do(t, http.MethodGet, "/tunnel/c1", nil, map[string]string{"Authorization": "Bearer " + access})
	if w.Code != http.StatusOK {
		t.Fatalf("get tunnel with bearer: %d", w.Code)
	}

	w, body = e.do(t, http.MethodPost, "/tunnel/register", map[string]string{
		"clientId": "c1", "tunnelUrl": "https://two.example.com", "token": "wrong",
	}, nil)
	assertFailure(t, w, body, http.StatusUnauthorized, "Authentication failed")

	w, body = e.do(t, http.MethodPost, "/tunnel/register", map[string]string{
		"clientId": "c1", "tunnelUrl": "https://two.example.com", "token": access,
	}, nil)
	if w.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("register: %d %v", w.Code, body)
	}

	w, body = e.do(t, http.MethodGet, "/tunnels", nil, nil)
	assertFailure(t, w, body, http.StatusUnauthorized, "Authentication failed")

	w, body = e.do(t, http.MethodGet, "/tunnels", nil, internal)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v", body["count"])
	}
	list := body["data"].([]any)
	if list[0].(map[string]any)["tunnelUrl"] != "https://two.example.com" {
		t.Errorf("list = %v", list)
	}
}

func TestRegister_BadRequest(t *testing.T) {
	e := setupRouter(t)
	w, body := e.do(t, http.MethodPost, "/tunnel/register", map[string]string{"clientId": "c1"}, nil)
	assertFailure(t, w, body, http.StatusBadRequest, "Bad request")
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":              "",
		"Bearer":        "",
		"Bearer ":       "",
		"Basic abc":     "",
		"Bearer abc":    "abc",
		"Bearer  abc  ": "abc",
	}
	for in, want := range cases {
		if got := bearerToken(in); got != want {
			t.Errorf("bearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
