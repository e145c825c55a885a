package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	goeen_log "github.com/eencloud/goeen/log"
	"github.com/joho/godotenv"

	"github.com/hypernovalabs/yp-qr-sub000/internal/api"
	"github.com/hypernovalabs/yp-qr-sub000/internal/core"
	"github.com/hypernovalabs/yp-qr-sub000/internal/gateway"
	"github.com/hypernovalabs/yp-qr-sub000/internal/orchestrator"
	"github.com/hypernovalabs/yp-qr-sub000/internal/poller"
	"github.com/hypernovalabs/yp-qr-sub000/internal/pos"
	"github.com/hypernovalabs/yp-qr-sub000/internal/session"
	"github.com/hypernovalabs/yp-qr-sub000/internal/settings"
)

// processConfig is the environment-provided bootstrap configuration. The
// gateway fields only seed the settings manager; /pos_config replaces them
// at runtime.
type processConfig struct {
	ListenAddr string `env:"QRPAY_LISTEN_ADDR" envDefault:":33480"`
	DataDir    string `env:"QRPAY_DATA_DIR"`
	LogLevel   string `env:"QRPAY_LOG_LEVEL" envDefault:"info"`

	GatewayURL string  `env:"QRPAY_GATEWAY_URL"`
	APIKey     string  `env:"QRPAY_API_KEY"`
	SecretKey  string  `env:"QRPAY_SECRET_KEY"`
	DeviceID   string  `env:"QRPAY_DEVICE_ID"`
	DeviceName string  `env:"QRPAY_DEVICE_NAME"`
	DeviceUser string  `env:"QRPAY_DEVICE_USER"`
	GroupID    string  `env:"QRPAY_GROUP_ID"`
	TaxRate    float64 `env:"QRPAY_TAX_RATE"`
}

func main() {
	_ = godotenv.Load()

	var cfg processConfig
	if err := env.Parse(&cfg); err != nil {
		goeen_log.NewContext(os.Stdout, "", goeen_log.LevelInfo).
			GetLogger("bridge-qrpay", goeen_log.LevelInfo).
			Fatalf("Failed to parse environment: %v", err)
	}

	level := goeen_log.LevelInfo
	if cfg.LogLevel == "error" {
		level = goeen_log.LevelError
	}
	logger := goeen_log.NewContext(os.Stdout, "", level).GetLogger("bridge-qrpay", level)
	logger.Info("Starting QR payment bridge...")

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = core.GetDataDirectory()
	}

	resultStore, err := core.NewResultStore(filepath.Join(dataDir, "badger_db"), 2, logger)
	if err != nil {
		logger.Fatalf("Failed to create result store: %v", err)
	}
	defer func() {
		if err := resultStore.Close(); err != nil {
			logger.Errorf("Failed to close result store: %v", err)
		}
	}()

	auditLogger := core.NewAuditLogger(filepath.Join(dataDir, "audit"), 100, logger)

	settingsManager := settings.NewManager(logger, settings.GatewayConfig{
		BaseURL:    cfg.GatewayURL,
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		DeviceUser: cfg.DeviceUser,
		GroupID:    cfg.GroupID,
		TaxRate:    cfg.TaxRate,
	})

	gatewayClient := gateway.NewClient(settingsManager, logger)
	sessionManager := session.NewManager(gatewayClient, settingsManager, logger)

	// A config update may change credentials; the cached token is for the
	// old ones.
	settingsManager.SetUpdateCallback(func(settings.GatewayConfig) {
		sessionManager.Invalidate()
	})

	snapshots := make(chan poller.Snapshot, 16)
	go func() {
		for snap := range snapshots {
			if snap.Err != nil {
				logger.Infof("Poll attempt %d: %s (%v)", snap.Attempt, snap.Status, snap.Err)
				continue
			}
			logger.Infof("Poll attempt %d: %s", snap.Attempt, snap.Status)
		}
	}()

	sales := orchestrator.New(orchestrator.Deps{
		Sessions:  sessionManager,
		Charges:   gatewayClient,
		Status:    gatewayClient,
		Config:    settingsManager,
		Journal:   resultStore,
		Auditor:   auditLogger,
		Receipts:  pos.PlainTextReceipts{},
		Snapshots: snapshots,
		Logger:    logger,
	})

	server := api.NewServer(cfg.ListenAddr, logger, settingsManager, resultStore, sales)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("API Server failed: %v", err)
		}
	}()

	go func() {
		for range settingsManager.Changes() {
			c := settingsManager.Get()
			if !c.Complete() || c.BaseURL == "" {
				logger.Warningf("Gateway configuration incomplete, missing: %v", c.MissingFields())
				continue
			}
			logger.Infof("Gateway configuration active for device %s", c.DeviceID)
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	// An in-flight sale resolves through its cancel path before shutdown.
	if sales.Cancel() {
		logger.Info("Cancelled in-flight sale for shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.Stop(ctx); err != nil {
		logger.Errorf("API Server stop failed: %v", err)
	}
	cancel()

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
	sessionManager.Release(releaseCtx)
	releaseCancel()

	logger.Info("QR payment bridge stopped")
}
