package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hypernovalabs/yp-qr-sub000/internal/orchestrator"
	"github.com/hypernovalabs/yp-qr-sub000/internal/pos"
)

var serviceStartTime = time.Now() // Track service uptime

// saleHandler runs one sale end to end and answers with the outbound flat
// record. The call blocks until the sale reaches a terminal result.
func (s *Server) saleHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.Logger.Errorf("Error reading sale body: %v", err)
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	var record map[string]interface{}
	if err := json.Unmarshal(body, &record); err != nil {
		s.Logger.Errorf("Invalid JSON in sale request: %v", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	req, err := pos.ParseRequest(record)
	if err != nil {
		s.Logger.Errorf("Malformed sale request: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.Sales.Process(r.Context(), req)
	if errors.Is(err, orchestrator.ErrSaleInFlight) {
		http.Error(w, "a sale is already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		s.Logger.Errorf("Sale %s failed without a result: %v", req.TransactionID, err)
		http.Error(w, "sale processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result.Record())
}

// cancelHandler requests cooperative cancellation of the in-flight sale.
// The terminal result still arrives on the blocked /sale call.
func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Sales.Cancel() {
		http.Error(w, "no sale in progress", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "cancel_requested"})
}

func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.Logger.Errorf("Error reading settings body: %v", err)
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	var cfg = s.SettingsManager.Get()
	if err := json.Unmarshal(body, &cfg); err != nil {
		s.Logger.Errorf("Invalid JSON in settings: %v", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.SettingsManager.Update(cfg); err != nil {
		s.Logger.Errorf("Failed to process settings: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) currentSettingsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	// Secrets go out redacted; this endpoint exists for operator checks.
	_ = json.NewEncoder(w).Encode(s.SettingsManager.Get().Redacted())
}

// resultsHandler serves journaled results. pos=true is the POS pickup path
// and DELETES what it returns; the default is a read-only peek for
// monitoring. drain=true clears the whole journal (testing).
func (s *Server) resultsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if r.URL.Query().Get("drain") == "true" {
		items, err := s.Results.DrainAll()
		if err != nil {
			s.Logger.Errorf("Failed to drain result journal: %v", err)
			http.Error(w, "Failed to drain results", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(items)
		return
	}

	txn := r.URL.Query().Get("txn")
	if txn == "" {
		http.Error(w, "txn parameter required", http.StatusBadRequest)
		return
	}

	limit := 1
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var items []interface{}
	if r.URL.Query().Get("pos") == "true" {
		fetched, err := s.Results.FetchForPOS(txn, limit)
		if err != nil {
			s.Logger.Errorf("Failed to fetch results for %s: %v", txn, err)
			http.Error(w, "Failed to retrieve results", http.StatusInternalServerError)
			return
		}
		for _, it := range fetched {
			items = append(items, it)
		}
		if len(items) > 0 {
			s.Logger.Infof("POS consumed %d result(s) for %s (DESTRUCTIVE)", len(items), txn)
		}
	} else {
		peeked, err := s.Results.Peek(txn, limit)
		if err != nil {
			s.Logger.Errorf("Failed to peek results for %s: %v", txn, err)
			http.Error(w, "Failed to retrieve results", http.StatusInternalServerError)
			return
		}
		for _, it := range peeked {
			items = append(items, it)
		}
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(items)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	busy, saleID := s.Sales.Busy()
	hostname, _ := os.Hostname()

	response := map[string]interface{}{
		"service": map[string]interface{}{
			"uptime_seconds": time.Since(serviceStartTime).Seconds(),
			"pid":            os.Getpid(),
			"hostname":       hostname,
		},
		"sale": map[string]interface{}{
			"in_flight": busy,
			"sale_id":   saleID,
		},
		"gateway_configured": s.SettingsManager.Get().Complete(),
		"timestamp":          time.Now(),
	}

	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
