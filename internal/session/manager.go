package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"github.com/hypernovalabs/yp-qr-sub000/internal/gateway"
	"github.com/hypernovalabs/yp-qr-sub000/internal/settings"
)

// ErrConfigIncomplete is returned by Acquire when the credential set is
// missing fields. No network call is attempted in that case.
type ErrConfigIncomplete struct {
	Missing []string
}

func (e *ErrConfigIncomplete) Error() string {
	return fmt.Sprintf("gateway configuration incomplete, missing: %v", e.Missing)
}

// SessionClient is the slice of the gateway client the manager needs.
type SessionClient interface {
	OpenSession(ctx context.Context, identity gateway.DeviceIdentity, groupID string) (string, error)
	CloseSession(ctx context.Context, token string) error
}

// ConfigSource supplies the current gateway configuration.
type ConfigSource interface {
	Get() settings.GatewayConfig
}

// Manager owns the device session token lifecycle: acquire, cache,
// invalidate. At most one live session per device; renewal is serialized so
// an overlapping sale request cannot corrupt the cache.
type Manager struct {
	mu       sync.Mutex
	client   SessionClient
	cfg      ConfigSource
	logger   *goeen_log.Logger
	token    string
	issuedAt time.Time
}

// NewManager creates a session manager with an empty token cache.
func NewManager(client SessionClient, cfg ConfigSource, logger *goeen_log.Logger) *Manager {
	return &Manager{client: client, cfg: cfg, logger: logger}
}

// Acquire returns the cached token if one exists, otherwise opens a new
// gateway session and caches its token. Fails fast with ErrConfigIncomplete
// before any network activity when credentials are missing.
func (m *Manager) Acquire(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg.Get()
	if !cfg.Complete() {
		return "", &ErrConfigIncomplete{Missing: cfg.MissingFields()}
	}

	if m.token != "" {
		return m.token, nil
	}

	identity := gateway.DeviceIdentity{ID: cfg.DeviceID, Name: cfg.DeviceName, User: cfg.DeviceUser}
	token, err := m.client.OpenSession(ctx, identity, cfg.GroupID)
	if err != nil {
		return "", err
	}

	m.token = token
	m.issuedAt = time.Now()
	return token, nil
}

// Release clears the cached token unconditionally and best-effort notifies
// the gateway. A failed notify is logged, never surfaced: the local release
// must not fail. Idempotent.
func (m *Manager) Release(ctx context.Context) {
	m.mu.Lock()
	token := m.token
	m.token = ""
	m.issuedAt = time.Time{}
	m.mu.Unlock()

	if token == "" {
		return
	}
	if err := m.client.CloseSession(ctx, token); err != nil {
		m.logger.Warningf("Gateway close-session notify failed (local release done): %v", err)
	}
}

// Invalidate drops the cached token without notifying the gateway. Used
// when a call failed with a stale-token signature and the orchestrator is
// about to re-run the sequence.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.issuedAt = time.Time{}
	m.mu.Unlock()
}

// Active reports whether a token is currently cached, with its issue time.
func (m *Manager) Active() (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != "", m.issuedAt
}
