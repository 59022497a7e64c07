package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tradeflow/ctrlplane/flog"
)

func newTestBrokerServer() (*gin.Engine, *SubscriptionTable) {
	gin.SetMode(gin.TestMode)
	subs := NewSubscriptionTable()
	delivery := NewDeliveryEngine(EngineConfig{Discovery: stubResolver{err: errors.New("no route to subscriber")}})
	dispatch := NewDispatchEngine(subs, delivery, flog.Default())
	engine := gin.New()
	NewServer(subs, dispatch, flog.Default()).Register(engine)
	return engine, subs
}

func postJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHandleSubscribe_ValidBodyReturns204AndRegisters(t *testing.T) {
	engine, subs := newTestBrokerServer()
	rec := postJSON(t, engine, http.MethodPost, "/subscription", map[string]any{
		"topic":        "orders",
		"callbackPath": "/cb",
		"consumerIdentity": map[string]any{
			"serviceName": "svc",
			"instanceId":  "i1",
		},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := subs.SubscribersOf("orders"); len(got) != 1 {
		t.Fatalf("expected the subscription to be recorded, got %d entries", len(got))
	}
}

func TestHandleSubscribe_MissingTopicRejected(t *testing.T) {
	engine, _ := newTestBrokerServer()
	rec := postJSON(t, engine, http.MethodPost, "/subscription", map[string]any{
		"callbackPath": "/cb",
		"consumerIdentity": map[string]any{
			"serviceName": "svc",
			"instanceId":  "i1",
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing topic, got %d", rec.Code)
	}
}

func TestHandleUnsubscribe_RemovesEntry(t *testing.T) {
	engine, subs := newTestBrokerServer()
	postJSON(t, engine, http.MethodPost, "/subscription", map[string]any{
		"topic":        "orders",
		"callbackPath": "/cb",
		"consumerIdentity": map[string]any{
			"serviceName": "svc",
			"instanceId":  "i1",
		},
	})

	req := httptest.NewRequest(http.MethodDelete, "/subscription", bytes.NewReader(mustMarshal(t, map[string]any{
		"topic": "orders", "instanceId": "i1",
	})))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := subs.SubscribersOf("orders"); len(got) != 0 {
		t.Fatalf("expected the subscription to be removed, got %d entries", len(got))
	}
}

func TestHandlePublish_MissingTopicRejected(t *testing.T) {
	engine, _ := newTestBrokerServer()
	rec := postJSON(t, engine, http.MethodPost, "/message", map[string]any{
		"payload":  map[string]any{"amount": 5},
		"metadata": map[string]any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing metadata.topic, got %d", rec.Code)
	}
}

func TestHandlePublish_ValidBodyAcceptedImmediately(t *testing.T) {
	engine, _ := newTestBrokerServer()
	rec := postJSON(t, engine, http.MethodPost, "/message", map[string]any{
		"payload":  map[string]any{"amount": 5},
		"metadata": map[string]any{"topic": "orders"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 even with no subscribers yet resolved, got %d: %s", rec.Code, rec.Body.String())
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
