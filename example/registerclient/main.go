// Command registerclient demonstrates the register -> refresh round
// trip against a running registryd: a one-shot POST /register
// followed by the Refresh Scheduler running a TtlRefresherJob and a
// TokenRefresherJob on independent intervals to keep the instance's
// lease and credential current.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tradeflow/ctrlplane/flog"
	"github.com/tradeflow/ctrlplane/scheduler"
)

type httpRegistryClient struct {
	baseURL string
	client  *http.Client
}

func (c *httpRegistryClient) Heartbeat(ctx context.Context, serviceName, instanceID, token string) error {
	body, _ := json.Marshal(map[string]any{
		"serviceName": serviceName,
		"instanceId":  instanceID,
		"authToken":   token,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *httpRegistryClient) RotateToken(ctx context.Context, instanceID, currentToken string) (string, error) {
	body, _ := json.Marshal(map[string]any{"instanceId": instanceID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/registry/token/rotate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-instance-token", currentToken)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rotate returned status %d", resp.StatusCode)
	}
	var body2 struct {
		Result struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body2); err != nil {
		return "", err
	}
	return body2.Result.Token, nil
}

// tokenBox lets both refresh jobs read and update the current token
// without racing each other.
type tokenBox struct {
	mu    sync.Mutex
	value string
}

func (b *tokenBox) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

func (b *tokenBox) set(v string) {
	b.mu.Lock()
	b.value = v
	b.mu.Unlock()
}

func main() {
	registryAddr := flag.String("registry", "https://127.0.0.1:8443", "registryd base URL")
	serviceName := flag.String("name", "billing", "this instance's service name")
	port := flag.Int("port", 9001, "this instance's port")
	flag.Parse()

	logger := flog.New(flog.Options{LogLevel: flog.InfoLevel, Console: true, EncoderConfigType: flog.DevelopmentEncoderConfig})
	flog.ReplaceDefault(logger)

	httpClient := &http.Client{Timeout: 10 * time.Second}

	regBody, _ := json.Marshal(map[string]any{
		"name":    *serviceName,
		"address": "127.0.0.1",
		"port":    *port,
	})
	resp, err := httpClient.Post(*registryAddr+"/register", "application/json", bytes.NewReader(regBody))
	if err != nil {
		log.Fatalf("register failed: %v", err)
	}
	defer resp.Body.Close()

	var registerResult struct {
		Result struct {
			InstanceID string `json:"instanceId"`
			Token      string `json:"token"`
			TTL        int64  `json:"ttl"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&registerResult); err != nil {
		log.Fatalf("decode register response: %v", err)
	}
	fmt.Printf("registered as %s, ttl=%dms\n", registerResult.Result.InstanceID, registerResult.Result.TTL)

	token := &tokenBox{value: registerResult.Result.Token}
	registryClient := &httpRegistryClient{baseURL: *registryAddr, client: httpClient}

	sched := scheduler.New(nil, logger)
	ttlInterval := time.Duration(registerResult.Result.TTL) * time.Millisecond / 2
	if err := sched.Register(scheduler.Job{
		Name:     "ttl-refresher",
		Interval: ttlInterval,
		Execute: scheduler.NewTtlRefresherJob(registryClient, *serviceName, registerResult.Result.InstanceID, token.get).Execute,
	}); err != nil {
		log.Fatalf("register ttl refresher: %v", err)
	}
	if err := sched.Register(scheduler.Job{
		Name:     "token-refresher",
		Interval: ttlInterval * 4,
		Execute: scheduler.NewTokenRefresherJob(registryClient, registerResult.Result.InstanceID, token.get, token.set).Execute,
	}); err != nil {
		log.Fatalf("register token refresher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	sched.Stop()
}
