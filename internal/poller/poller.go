package poller

/*
Transaction polling with monotonic backoff:

POLLING RULES:
1. Interval starts at 5 seconds. Every transport-classified error grows it
   by x1.5 up to a 15-second ceiling. A successful call does NOT reset the
   interval - backoff is monotonic within one polling session, which keeps
   a flaky link from oscillating between fast and slow polling.
2. Hard cap of 12 attempts. Reaching the cap without a terminal status ends
   the session as MAX_RETRIES_REACHED (mapped upstream as a failure with a
   "verify manually" message - the charge may still settle server-side).
3. Transport errors never leave the loop individually; only the terminal
   outcome (or cap exhaustion) is reported upward.

CANCELLATION:
- Cooperative: the context is checked before every attempt and during every
  sleep. The gateway cancel call is attempted exactly once.
- A transaction already COMPLETED server-side when cancellation lands
  resolves as success, never silently as a cancel.
*/

import (
	"context"
	"errors"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"github.com/hypernovalabs/yp-qr-sub000/internal/gateway"
)

// Status is a transaction state as seen by one poll attempt. The gateway
// statuses are terminal or PENDING; the pseudo-statuses exist only to drive
// UI messaging from snapshots and are never returned to the POS.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"

	// Transport/continuation pseudo-statuses.
	StatusNetworkError      Status = "NETWORK_ERROR"
	StatusTimeoutError      Status = "TIMEOUT_ERROR"
	StatusAuthError         Status = "AUTH_ERROR"
	StatusServerError       Status = "SERVER_ERROR"
	StatusConfigError       Status = "CONFIG_ERROR"
	StatusMaxRetriesReached Status = "MAX_RETRIES_REACHED"
)

// Terminal reports whether no further polling is meaningful.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Success reports whether a terminal status is the success exit.
func (s Status) Success() bool { return s == StatusCompleted }

// Snapshot is one observation of the polling session. Each poll attempt
// produces a new snapshot; shared state is never partially mutated.
type Snapshot struct {
	Attempt  int
	Status   Status
	RawValue string // gateway-reported value, verbatim, when unrecognized
	Interval time.Duration
	At       time.Time
	Err      error
}

// StatusClient is the slice of the gateway client the poller drives.
type StatusClient interface {
	GetStatus(ctx context.Context, token, txnID string) (*gateway.StatusReply, error)
	Cancel(ctx context.Context, token, txnID string) (*gateway.StatusReply, error)
}

// Config tunes the polling loop. Zero values take the defaults below.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	BackoffFactor   float64
	MaxAttempts     int
}

func (c Config) withDefaults() Config {
	if c.InitialInterval == 0 {
		c.InitialInterval = 5 * time.Second
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 15 * time.Second
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 1.5
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 12
	}
	return c
}

// Outcome is the terminal result of one polling session.
type Outcome struct {
	Status   Status
	RawValue string // last gateway-reported value when Status is unrecognized-derived
	Attempts int
	// CancelRequested records that the session ended through the cancel
	// path, whatever the final status resolved to.
	CancelRequested bool
	// LastErr is the final transport error for MAX_RETRIES_REACHED exits.
	LastErr error
}

// Poller drives the status-polling loop for one charge.
type Poller struct {
	client    StatusClient
	cfg       Config
	logger    *goeen_log.Logger
	snapshots chan<- Snapshot
	sleep     func(ctx context.Context, d time.Duration) bool
}

// New creates a poller. snapshots may be nil; when set, every attempt emits
// a snapshot with a non-blocking send so a slow observer cannot stall the loop.
func New(client StatusClient, cfg Config, snapshots chan<- Snapshot, logger *goeen_log.Logger) *Poller {
	return &Poller{
		client:    client,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		snapshots: snapshots,
		sleep:     sleepCtx,
	}
}

// Run polls the charge's gateway transaction id until a terminal status,
// the attempt cap, or cancellation. ctx cancellation is the external cancel
// request: it stops the loop before its next sleep and triggers exactly one
// gateway cancel call.
func (p *Poller) Run(ctx context.Context, token, txnID string) Outcome {
	interval := p.cfg.InitialInterval

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return p.cancelOnGateway(token, txnID, attempt-1)
		}

		reply, err := p.client.GetStatus(ctx, token, txnID)
		now := time.Now()

		if err != nil {
			if ctx.Err() != nil {
				// The call died because cancel was requested mid-flight.
				return p.cancelOnGateway(token, txnID, attempt)
			}
			pseudo := classifyError(err)
			p.emit(Snapshot{Attempt: attempt, Status: pseudo, Interval: interval, At: now, Err: err})
			p.logger.Debugf("Poll attempt %d/%d failed (%s), next interval %s",
				attempt, p.cfg.MaxAttempts, pseudo, interval)

			if attempt == p.cfg.MaxAttempts {
				return Outcome{Status: StatusMaxRetriesReached, Attempts: attempt, LastErr: err}
			}
			// Backoff grows on transport errors only, and never shrinks.
			interval = p.grow(interval)
			if !p.sleep(ctx, interval) {
				return p.cancelOnGateway(token, txnID, attempt)
			}
			continue
		}

		status, raw := normalize(reply.Status)
		p.emit(Snapshot{Attempt: attempt, Status: status, RawValue: raw, Interval: interval, At: now})

		if status.Terminal() {
			p.logger.Infof("Transaction %s terminal after %d attempt(s): %s", txnID, attempt, status)
			return Outcome{Status: status, RawValue: raw, Attempts: attempt}
		}

		if attempt == p.cfg.MaxAttempts {
			return Outcome{Status: StatusMaxRetriesReached, Attempts: attempt}
		}
		if !p.sleep(ctx, interval) {
			return p.cancelOnGateway(token, txnID, attempt)
		}
	}

	return Outcome{Status: StatusMaxRetriesReached, Attempts: p.cfg.MaxAttempts}
}

// cancelOnGateway runs the single cancel call after an external cancel
// request. The reply decides the exit: a transaction the gateway reports as
// COMPLETED resolves as success; a 2xx cancel reply with a blank status
// counts as a clean cancel.
func (p *Poller) cancelOnGateway(token, txnID string, attempts int) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := p.client.Cancel(ctx, token, txnID)
	if err != nil {
		p.logger.Errorf("Gateway cancel for %s rejected: %v", txnID, err)
		return Outcome{Status: StatusFailed, Attempts: attempts, CancelRequested: true, LastErr: err}
	}

	status, raw := normalize(reply.Status)
	if status == StatusCompleted {
		// Race resolved in favor of the completed payment.
		p.logger.Infof("Cancel raced a completed payment on %s; resolving as success", txnID)
		return Outcome{Status: StatusCompleted, Attempts: attempts, CancelRequested: true}
	}
	if reply.Status == "" {
		// Success response code with blank status: treated as cancelled.
		return Outcome{Status: StatusCancelled, Attempts: attempts, CancelRequested: true}
	}
	if status.Terminal() {
		return Outcome{Status: status, RawValue: raw, Attempts: attempts, CancelRequested: true}
	}
	return Outcome{Status: StatusCancelled, RawValue: raw, Attempts: attempts, CancelRequested: true}
}

func (p *Poller) grow(interval time.Duration) time.Duration {
	next := time.Duration(float64(interval) * p.cfg.BackoffFactor)
	if next > p.cfg.MaxInterval {
		next = p.cfg.MaxInterval
	}
	return next
}

func (p *Poller) emit(s Snapshot) {
	if p.snapshots == nil {
		return
	}
	select {
	case p.snapshots <- s:
	default:
	}
}

// normalize maps a gateway-reported value onto a Status. Unrecognized
// values are carried through verbatim and treated as non-terminal.
func normalize(value string) (Status, string) {
	switch value {
	case gateway.StatusPending:
		return StatusPending, ""
	case gateway.StatusCompleted:
		return StatusCompleted, ""
	case gateway.StatusCancelled:
		return StatusCancelled, ""
	case gateway.StatusFailed:
		return StatusFailed, ""
	case gateway.StatusExpired:
		return StatusExpired, ""
	default:
		return StatusPending, value
	}
}

// classifyError maps a transport failure to the pseudo-status used for
// snapshot/UI messaging. Every branch continues the loop.
func classifyError(err error) Status {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		return StatusServerError
	}
	switch {
	case gerr.Auth():
		return StatusAuthError
	case gerr.Kind == gateway.KindTimeout:
		return StatusTimeoutError
	case gerr.Kind == gateway.KindNetwork:
		return StatusNetworkError
	case gerr.Kind == gateway.KindMalformed:
		return StatusServerError
	default:
		return StatusServerError
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first; returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
