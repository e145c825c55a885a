package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/eencloud/goeen/log"

	"github.com/hypernovalabs/yp-qr-sub000/internal/gateway"
	"github.com/hypernovalabs/yp-qr-sub000/internal/settings"
)

type fakeClient struct {
	mu         sync.Mutex
	openCalls  int
	closeCalls int
	openErr    error
	closeErr   error
	tokens     []string
}

func (f *fakeClient) OpenSession(ctx context.Context, identity gateway.DeviceIdentity, groupID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if f.openErr != nil {
		return "", f.openErr
	}
	if len(f.tokens) > 0 {
		tok := f.tokens[0]
		f.tokens = f.tokens[1:]
		return tok, nil
	}
	return "tok-default", nil
}

func (f *fakeClient) CloseSession(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return f.closeErr
}

type staticConfig struct {
	cfg settings.GatewayConfig
}

func (s staticConfig) Get() settings.GatewayConfig { return s.cfg }

func completeConfig() settings.GatewayConfig {
	return settings.GatewayConfig{
		BaseURL:   "http://gateway",
		APIKey:    "k",
		SecretKey: "s",
		DeviceID:  "d",
		GroupID:   "g",
	}
}

func testLogger() *log.Logger {
	return log.NewContext(io.Discard, "", log.LevelError).GetLogger("test", log.LevelError)
}

func TestAcquire_FailsFastOnIncompleteConfig(t *testing.T) {
	cfg := completeConfig()
	cfg.SecretKey = ""
	client := &fakeClient{}
	m := NewManager(client, staticConfig{cfg}, testLogger())

	_, err := m.Acquire(context.Background())

	var incomplete *ErrConfigIncomplete
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected ErrConfigIncomplete, got %v", err)
	}
	if client.openCalls != 0 {
		t.Errorf("no network call should be attempted, got %d", client.openCalls)
	}
}

func TestAcquire_CachesToken(t *testing.T) {
	client := &fakeClient{tokens: []string{"tok-1", "tok-2"}}
	m := NewManager(client, staticConfig{completeConfig()}, testLogger())

	tok1, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	tok2, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if tok1 != "tok-1" || tok2 != "tok-1" {
		t.Errorf("second Acquire must reuse cached token: %q, %q", tok1, tok2)
	}
	if client.openCalls != 1 {
		t.Errorf("open calls: got %d, want 1", client.openCalls)
	}
}

func TestAcquire_RenewsAfterInvalidate(t *testing.T) {
	client := &fakeClient{tokens: []string{"tok-1", "tok-2"}}
	m := NewManager(client, staticConfig{completeConfig()}, testLogger())

	_, _ = m.Acquire(context.Background())
	m.Invalidate()

	tok, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("expected renewed token, got %q", tok)
	}
	if client.closeCalls != 0 {
		t.Error("Invalidate must not notify the gateway")
	}
}

func TestAcquire_OpenFailureLeavesCacheClear(t *testing.T) {
	client := &fakeClient{openErr: &gateway.Error{Kind: gateway.KindHTTP, Op: "open_session", StatusCode: 401}}
	m := NewManager(client, staticConfig{completeConfig()}, testLogger())

	_, err := m.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if active, _ := m.Active(); active {
		t.Error("token cache must remain cleared after a failed open")
	}
}

func TestRelease(t *testing.T) {
	t.Run("idempotent and best-effort", func(t *testing.T) {
		client := &fakeClient{closeErr: errors.New("gateway down")}
		m := NewManager(client, staticConfig{completeConfig()}, testLogger())

		_, _ = m.Acquire(context.Background())
		m.Release(context.Background())

		if active, _ := m.Active(); active {
			t.Error("token must be cleared even when notify fails")
		}

		// Second release with no token: no extra notify.
		m.Release(context.Background())
		if client.closeCalls != 1 {
			t.Errorf("close calls: got %d, want 1", client.closeCalls)
		}
	})
}

func TestAcquire_SerializedRenewal(t *testing.T) {
	client := &fakeClient{tokens: []string{"tok-1"}}
	m := NewManager(client, staticConfig{completeConfig()}, testLogger())

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	if client.openCalls != 1 {
		t.Errorf("concurrent Acquire must share one renewal, got %d opens", client.openCalls)
	}
	for _, tok := range results {
		if tok != "tok-1" {
			t.Errorf("all callers must see the same token, got %q", tok)
		}
	}
}
