package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	sentinel "github.com/alibaba/sentinel-golang/api"
	sconfig "github.com/alibaba/sentinel-golang/core/config"

	"github.com/tradeflow/ctrlplane/clock"
	"github.com/tradeflow/ctrlplane/flog"
)

func TestMain(m *testing.M) {
	_ = sentinel.InitWithConfig(sconfig.NewDefaultConfig())
	_ = InitRateLimits()
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newTestServer() *gin.Engine {
	store := NewStore(clock.NewFake(time.Unix(0, 0)), time.Minute, nil)
	engine := gin.New()
	NewServer(store, flog.Default()).Register(engine)
	return engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestRegister_ValidBodyReturns201(t *testing.T) {
	engine := newTestServer()
	rec := doJSON(t, engine, http.MethodPost, "/register", map[string]any{
		"name": "billing", "address": "127.0.0.1", "port": 8080,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Result struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Result.Token == "" {
		t.Fatal("expected a non-empty token in the response")
	}
}

func TestRegister_BadAddressRejected(t *testing.T) {
	engine := newTestServer()
	rec := doJSON(t, engine, http.MethodPost, "/register", map[string]any{
		"name": "billing", "address": "not-an-ip", "port": 8080,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed address, got %d", rec.Code)
	}
}

func TestRegister_PortOutOfRangeRejected(t *testing.T) {
	engine := newTestServer()
	rec := doJSON(t, engine, http.MethodPost, "/register", map[string]any{
		"name": "billing", "address": "127.0.0.1", "port": 70000,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a port above 65535, got %d", rec.Code)
	}
}

func TestHeartbeat_WrongTokenUnauthorized(t *testing.T) {
	engine := newTestServer()
	regRec := doJSON(t, engine, http.MethodPost, "/register", map[string]any{
		"name": "billing", "address": "127.0.0.1", "port": 8080,
	})
	var reg struct {
		Result struct {
			InstanceID string `json:"instanceId"`
		} `json:"result"`
	}
	_ = json.Unmarshal(regRec.Body.Bytes(), &reg)

	rec := doJSON(t, engine, http.MethodPost, "/heartbeat", map[string]any{
		"serviceName": "billing", "instanceId": reg.Result.InstanceID, "authToken": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong token, got %d", rec.Code)
	}
}

func TestHeartbeat_CorrectTokenRotates(t *testing.T) {
	engine := newTestServer()
	regRec := doJSON(t, engine, http.MethodPost, "/register", map[string]any{
		"name": "billing", "address": "127.0.0.1", "port": 8080,
	})
	var reg struct {
		Result struct {
			InstanceID string `json:"instanceId"`
			Token      string `json:"token"`
		} `json:"result"`
	}
	_ = json.Unmarshal(regRec.Body.Bytes(), &reg)

	hbRec := doJSON(t, engine, http.MethodPost, "/heartbeat", map[string]any{
		"serviceName": "billing", "instanceId": reg.Result.InstanceID, "authToken": reg.Result.Token,
	})
	if hbRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", hbRec.Code, hbRec.Body.String())
	}

	var hb struct {
		Result struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	_ = json.Unmarshal(hbRec.Body.Bytes(), &hb)
	if hb.Result.Token == "" || hb.Result.Token == reg.Result.Token {
		t.Fatalf("expected a freshly rotated token, got %q", hb.Result.Token)
	}
}

func TestResolveOne_ReturnsARegisteredInstance(t *testing.T) {
	engine := newTestServer()
	doJSON(t, engine, http.MethodPost, "/register", map[string]any{
		"name": "billing", "address": "127.0.0.1", "port": 8080,
	})

	rec := doJSON(t, engine, http.MethodGet, "/services/billing/resolve-one", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Result Instance `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Result.ServiceName != "billing" {
		t.Fatalf("expected the billing instance, got %q", body.Result.ServiceName)
	}
}

func TestResolveOne_UnknownServiceReturnsNotFound(t *testing.T) {
	engine := newTestServer()
	rec := doJSON(t, engine, http.MethodGet, "/services/ghost/resolve-one", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered service, got %d", rec.Code)
	}
}

func TestGetByName_UnknownServiceReturnsNotFound(t *testing.T) {
	engine := newTestServer()
	rec := doJSON(t, engine, http.MethodGet, "/services/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered service, got %d", rec.Code)
	}
}

func TestPing_AlwaysOK(t *testing.T) {
	engine := newTestServer()
	rec := doJSON(t, engine, http.MethodGet, "/ping", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("expected 200 pong, got %d %q", rec.Code, rec.Body.String())
	}
}
