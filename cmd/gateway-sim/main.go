// gateway-sim is a scripted stand-in for the QR payment gateway, used for
// manual end-to-end testing of the bridge. It honors the same endpoints and
// envelope shapes and replays a configurable status sequence per transaction.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/caarlos0/env/v6"
	goeen_log "github.com/eencloud/goeen/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type simConfig struct {
	ListenAddr string `env:"SIM_LISTEN_ADDR" envDefault:":9470"`
	// StatusSequence is replayed one entry per status poll; the last entry
	// repeats. "PENDING,PENDING,COMPLETED" settles on the third poll.
	StatusSequence string `env:"SIM_STATUS_SEQUENCE" envDefault:"PENDING,PENDING,COMPLETED"`
	// CancelStatus is the body.status of a cancel reply. Empty simulates
	// the gateway's blank-status cancel acknowledgement.
	CancelStatus string `env:"SIM_CANCEL_STATUS" envDefault:""`
	// RejectSessions makes every session open fail with 401.
	RejectSessions bool `env:"SIM_REJECT_SESSIONS" envDefault:"false"`
	// BlankToken returns a 2xx session reply with no token.
	BlankToken bool `env:"SIM_BLANK_TOKEN" envDefault:"false"`
	// FailPolls injects a 500 on every Nth status poll (0 disables).
	FailPolls int `env:"SIM_FAIL_POLLS" envDefault:"0"`
}

type transaction struct {
	sequence []string
	polls    int
	done     bool
}

type simulator struct {
	cfg    simConfig
	logger *goeen_log.Logger

	mu    sync.Mutex
	txns  map[string]*transaction
	polls int
}

func main() {
	_ = godotenv.Load()

	var cfg simConfig
	logger := goeen_log.NewContext(os.Stdout, "", goeen_log.LevelInfo).GetLogger("gateway-sim", goeen_log.LevelInfo)
	if err := env.Parse(&cfg); err != nil {
		logger.Fatalf("Failed to parse environment: %v", err)
	}

	sim := &simulator{
		cfg:    cfg,
		logger: logger,
		txns:   make(map[string]*transaction),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/session/device", sim.openSession)
	r.Delete("/session/device", sim.closeSession)
	r.Post("/qr/generate/DYN", sim.createCharge)
	r.Get("/transaction/{id}", sim.getStatus)
	r.Put("/transaction/{id}", sim.cancel)

	logger.Infof("Gateway simulator listening on %s (sequence: %s)", cfg.ListenAddr, cfg.StatusSequence)
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		logger.Fatalf("Simulator failed: %v", err)
	}
}

// checkKeys rejects requests without the api-key/secret-key header pair,
// mirroring the real gateway's first-line auth.
func (s *simulator) checkKeys(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("api-key") == "" || r.Header.Get("secret-key") == "" {
		s.reply(w, http.StatusUnauthorized, map[string]interface{}{"message": "missing credentials"})
		return false
	}
	return true
}

func (s *simulator) checkToken(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") == "" {
		s.reply(w, http.StatusUnauthorized, map[string]interface{}{"message": "missing session token"})
		return false
	}
	return true
}

func (s *simulator) openSession(w http.ResponseWriter, r *http.Request) {
	if !s.checkKeys(w, r) {
		return
	}
	if s.cfg.RejectSessions {
		s.reply(w, http.StatusUnauthorized, map[string]interface{}{"message": "device not authorized"})
		return
	}
	if s.cfg.BlankToken {
		s.reply(w, http.StatusOK, map[string]interface{}{
			"body":    map[string]interface{}{},
			"message": "no token available",
		})
		return
	}

	token := uuid.NewString()
	s.logger.Infof("Session opened: %s", token)
	s.reply(w, http.StatusOK, map[string]interface{}{
		"body": map[string]interface{}{"token": token},
	})
}

func (s *simulator) closeSession(w http.ResponseWriter, r *http.Request) {
	if !s.checkKeys(w, r) || !s.checkToken(w, r) {
		return
	}
	s.logger.Info("Session closed")
	s.reply(w, http.StatusOK, map[string]interface{}{"code": "OK"})
}

func (s *simulator) createCharge(w http.ResponseWriter, r *http.Request) {
	if !s.checkKeys(w, r) || !s.checkToken(w, r) {
		return
	}

	var payload struct {
		Body struct {
			OrderID      string `json:"order_id"`
			ChargeAmount struct {
				Total string `json:"total"`
			} `json:"charge_amount"`
		} `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.reply(w, http.StatusBadRequest, map[string]interface{}{"message": "malformed charge request"})
		return
	}

	txnID := uuid.NewString()
	s.mu.Lock()
	s.txns[txnID] = &transaction{sequence: splitSequence(s.cfg.StatusSequence)}
	s.mu.Unlock()

	s.logger.Infof("Charge created: order %s total %s → txn %s",
		payload.Body.OrderID, payload.Body.ChargeAmount.Total, txnID)

	s.reply(w, http.StatusOK, map[string]interface{}{
		"body": map[string]interface{}{
			"transactionId": txnID,
			"hash":          uuid.NewString(),
		},
	})
}

func (s *simulator) getStatus(w http.ResponseWriter, r *http.Request) {
	if !s.checkKeys(w, r) || !s.checkToken(w, r) {
		return
	}

	txnID := chi.URLParam(r, "id")
	s.mu.Lock()
	txn, ok := s.txns[txnID]
	if !ok {
		s.mu.Unlock()
		s.reply(w, http.StatusNotFound, map[string]interface{}{"message": "unknown transaction"})
		return
	}

	s.polls++
	if s.cfg.FailPolls > 0 && s.polls%s.cfg.FailPolls == 0 {
		s.mu.Unlock()
		s.reply(w, http.StatusInternalServerError, map[string]interface{}{"message": "injected failure"})
		return
	}

	idx := txn.polls
	if idx >= len(txn.sequence) {
		idx = len(txn.sequence) - 1
	}
	status := txn.sequence[idx]
	txn.polls++
	if status != "PENDING" {
		txn.done = true
	}
	s.mu.Unlock()

	s.logger.Infof("Status poll %d for %s: %s", idx+1, txnID, status)
	s.reply(w, http.StatusOK, map[string]interface{}{
		"body": map[string]interface{}{"status": status},
	})
}

func (s *simulator) cancel(w http.ResponseWriter, r *http.Request) {
	if !s.checkKeys(w, r) || !s.checkToken(w, r) {
		return
	}

	txnID := chi.URLParam(r, "id")
	s.mu.Lock()
	txn, ok := s.txns[txnID]
	if !ok {
		s.mu.Unlock()
		s.reply(w, http.StatusNotFound, map[string]interface{}{"message": "unknown transaction"})
		return
	}

	// A transaction that already settled wins the race against the cancel.
	if txn.done && txn.sequence[len(txn.sequence)-1] == "COMPLETED" {
		s.mu.Unlock()
		s.logger.Infof("Cancel for %s lost the race: already COMPLETED", txnID)
		s.reply(w, http.StatusOK, map[string]interface{}{
			"body": map[string]interface{}{"status": "COMPLETED"},
		})
		return
	}
	txn.done = true
	s.mu.Unlock()

	s.logger.Infof("Cancelled %s", txnID)
	body := map[string]interface{}{}
	if s.cfg.CancelStatus != "" {
		body["status"] = s.cfg.CancelStatus
	}
	s.reply(w, http.StatusOK, map[string]interface{}{"body": body})
}

func (s *simulator) reply(w http.ResponseWriter, status int, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func splitSequence(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = []string{"COMPLETED"}
	}
	return out
}
