package settings

import (
	"fmt"
	"strings"
	"sync"

	"github.com/eencloud/goeen/log"
)

// DefaultTaxRate is the charge tax policy applied when the POS does not
// supply one. It is configuration, not business law: deployments in other
// jurisdictions override it per config update.
const DefaultTaxRate = 0.07

// GatewayConfig carries everything the gateway calls need: endpoint,
// credentials, device identity and charge policy.
type GatewayConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	SecretKey   string  `json:"secret_key"`
	DeviceID    string  `json:"device_id"`
	DeviceName  string  `json:"device_name"`
	DeviceUser  string  `json:"device_user"`
	GroupID     string  `json:"group_id"`
	TaxRate     float64 `json:"tax_rate"`
	Description string  `json:"description"`
}

// Complete reports whether the credential set required to open a session is
// present. BaseURL is checked separately: a missing endpoint is a different
// operator mistake than missing credentials.
func (c GatewayConfig) Complete() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.DeviceID != "" && c.GroupID != ""
}

// MissingFields names the absent credential fields, for operator-facing errors.
func (c GatewayConfig) MissingFields() []string {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if c.SecretKey == "" {
		missing = append(missing, "secret_key")
	}
	if c.DeviceID == "" {
		missing = append(missing, "device_id")
	}
	if c.GroupID == "" {
		missing = append(missing, "group_id")
	}
	return missing
}

// Redacted returns a copy safe to echo over the API or into logs.
func (c GatewayConfig) Redacted() GatewayConfig {
	c.APIKey = redact(c.APIKey)
	c.SecretKey = redact(c.SecretKey)
	return c
}

func redact(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

// Manager handles storage and retrieval of the gateway configuration. The
// orchestrator and session manager read it per call, so a config update
// posted at runtime takes effect on the next sale without a restart.
type Manager struct {
	sync.RWMutex
	logger         *log.Logger
	current        GatewayConfig
	changeChan     chan struct{}
	updateCallback func(cfg GatewayConfig)
}

// NewManager creates a configuration manager seeded with an initial config.
func NewManager(logger *log.Logger, initial GatewayConfig) *Manager {
	if initial.TaxRate == 0 {
		initial.TaxRate = DefaultTaxRate
	}
	return &Manager{
		logger:     logger,
		current:    initial,
		changeChan: make(chan struct{}, 1),
	}
}

// Update replaces the gateway configuration and signals the change channel.
func (m *Manager) Update(cfg GatewayConfig) error {
	if cfg.TaxRate < 0 || cfg.TaxRate >= 1 {
		return fmt.Errorf("tax_rate %v out of range [0,1)", cfg.TaxRate)
	}
	if cfg.TaxRate == 0 {
		cfg.TaxRate = DefaultTaxRate
	}

	m.Lock()
	m.current = cfg
	callback := m.updateCallback
	m.Unlock()

	m.logger.Infof("Gateway configuration updated for device %s (endpoint set: %t)",
		cfg.DeviceID, cfg.BaseURL != "")

	if callback != nil {
		callback(cfg)
	}
	m.notifyChange()
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() GatewayConfig {
	m.RLock()
	defer m.RUnlock()
	return m.current
}

// Changes returns a channel that signals when the configuration has been updated.
func (m *Manager) Changes() <-chan struct{} {
	return m.changeChan
}

// SetUpdateCallback sets the function to call after each configuration update.
func (m *Manager) SetUpdateCallback(callback func(cfg GatewayConfig)) {
	m.Lock()
	defer m.Unlock()
	m.updateCallback = callback
}

func (m *Manager) notifyChange() {
	select {
	case m.changeChan <- struct{}{}:
	default:
	}
}
