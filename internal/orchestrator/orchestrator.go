// Package orchestrator sequences one QR sale end to end: validate the POS
// request, acquire a device session, create the charge, poll it to a
// terminal status and hand the mapped result back for the POS.
package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/google/uuid"

	"github.com/hypernovalabs/yp-qr-sub000/internal/core"
	"github.com/hypernovalabs/yp-qr-sub000/internal/gateway"
	"github.com/hypernovalabs/yp-qr-sub000/internal/poller"
	"github.com/hypernovalabs/yp-qr-sub000/internal/pos"
	"github.com/hypernovalabs/yp-qr-sub000/internal/session"
	"github.com/hypernovalabs/yp-qr-sub000/internal/settings"
)

// ErrSaleInFlight is returned when a second sale arrives while one is still
// running. The POS contract allows one sale at a time.
var ErrSaleInFlight = errors.New("a sale is already in flight")

// A full sequence (acquire, charge, poll) is retried this many times before
// the sale fails. A stale session token is the usual root cause.
const maxSequenceAttempts = 3

// Sessions is the slice of the session manager the orchestrator drives.
type Sessions interface {
	Acquire(ctx context.Context) (string, error)
	Release(ctx context.Context)
	Invalidate()
}

// ChargeClient creates QR charges against the gateway.
type ChargeClient interface {
	CreateCharge(ctx context.Context, token string, charge gateway.Charge) (*gateway.ChargeTicket, error)
}

// ConfigSource supplies the current gateway configuration.
type ConfigSource interface {
	Get() settings.GatewayConfig
}

// Display receives the QR ticket for customer presentation. The rendering
// stack lives outside this service.
type Display interface {
	ShowQR(req pos.Request, ticket *gateway.ChargeTicket)
	Clear()
}

// NopDisplay is the default display: it shows nothing.
type NopDisplay struct{}

func (NopDisplay) ShowQR(pos.Request, *gateway.ChargeTicket) {}
func (NopDisplay) Clear()                                    {}

// Journal persists terminal results for POS pickup after a crash.
type Journal interface {
	Store(item core.ResultItem) error
}

// Auditor records sale lifecycle stages.
type Auditor interface {
	Log(saleID, stage string, detail map[string]interface{}) error
}

// Deps wires the orchestrator's collaborators. Display, Journal, Auditor,
// Receipts and Snapshots may be nil.
type Deps struct {
	Sessions  Sessions
	Charges   ChargeClient
	Status    poller.StatusClient
	Config    ConfigSource
	PollCfg   poller.Config
	Display   Display
	Journal   Journal
	Auditor   Auditor
	Receipts  pos.ReceiptFormatter
	Snapshots chan<- poller.Snapshot
	Logger    *goeen_log.Logger
}

// Orchestrator runs sale requests one at a time.
type Orchestrator struct {
	deps Deps

	mu         sync.Mutex
	inFlight   bool
	saleID     string
	saleCtx    context.Context
	cancelSale context.CancelFunc
}

func New(deps Deps) *Orchestrator {
	// Optional collaborators often arrive as typed nil pointers from
	// wiring code; normalize them so the nil guards downstream hold.
	if absent(deps.Display) {
		deps.Display = NopDisplay{}
	}
	if absent(deps.Journal) {
		deps.Journal = nil
	}
	if absent(deps.Auditor) {
		deps.Auditor = nil
	}
	if absent(deps.Receipts) {
		deps.Receipts = nil
	}
	return &Orchestrator{deps: deps}
}

// absent reports whether an optional collaborator is missing, treating an
// interface holding a nil pointer the same as a nil interface.
func absent(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

// Process runs one sale to its terminal result. Every call that claims the
// in-flight slot produces exactly one Result; ErrSaleInFlight is the only
// non-Result exit.
func (o *Orchestrator) Process(ctx context.Context, req pos.Request) (pos.Result, error) {
	if err := o.claim(ctx, req.TransactionID); err != nil {
		return pos.Result{}, err
	}
	defer o.release()

	o.audit(req.TransactionID, "sale.received", map[string]interface{}{
		"amount": req.Amount,
		"tip":    req.TipAmount,
	})

	// Validation and configuration failures are immediate, no network.
	if err := o.validate(req); err != nil {
		return o.finish(req, poller.Outcome{}, nil, err), nil
	}

	ticket, outcome, lastErr := o.runSequence(req)
	return o.finish(req, outcome, ticket, lastErr), nil
}

// runSequence executes acquire, charge, poll with up to maxSequenceAttempts
// full passes. CreateCharge is issued at most once per request: once a
// ticket exists, later passes resume polling against the same gateway txn id.
func (o *Orchestrator) runSequence(req pos.Request) (*gateway.ChargeTicket, poller.Outcome, error) {
	o.mu.Lock()
	saleCtx := o.saleCtx
	o.mu.Unlock()

	var ticket *gateway.ChargeTicket
	var outcome poller.Outcome
	var lastErr error

	charge := gateway.Charge{Subtotal: req.Amount, Tip: req.TipAmount}

	for attempt := 1; attempt <= maxSequenceAttempts; attempt++ {
		token, err := o.deps.Sessions.Acquire(saleCtx)
		if err != nil {
			lastErr = err
			if attempt < maxSequenceAttempts && retriable(err) {
				o.deps.Logger.Warningf("Sale %s: session acquire failed (pass %d/%d), retrying: %v",
					req.TransactionID, attempt, maxSequenceAttempts, err)
				continue
			}
			break
		}
		lastErr = nil

		if ticket == nil {
			ticket, err = o.deps.Charges.CreateCharge(saleCtx, token, charge)
			if err != nil {
				lastErr = err
				var gerr *gateway.Error
				// A 401 here means the charge was never created; renewing
				// the session and recreating is safe. Every other failure
				// is ambiguous and must not risk a double charge.
				if errors.As(err, &gerr) && gerr.Auth() && attempt < maxSequenceAttempts {
					o.deps.Sessions.Invalidate()
					continue
				}
				break
			}
			o.audit(req.TransactionID, "charge.created", map[string]interface{}{
				"gateway_txn_id": ticket.GatewayTxnID,
				"local_order_id": ticket.LocalOrderID,
			})
			o.deps.Display.ShowQR(req, ticket)
		}

		p := poller.New(o.deps.Status, o.deps.PollCfg, o.deps.Snapshots, o.deps.Logger)
		outcome = p.Run(saleCtx, token, ticket.GatewayTxnID)

		// A polling session starved by auth errors points at a stale
		// token; renew and resume against the same transaction.
		if outcome.Status == poller.StatusMaxRetriesReached &&
			attempt < maxSequenceAttempts && isAuth(outcome.LastErr) {
			o.deps.Sessions.Invalidate()
			continue
		}
		break
	}

	return ticket, outcome, lastErr
}

// finish maps, journals and audits the terminal result, releasing the
// device session on the way out.
func (o *Orchestrator) finish(req pos.Request, outcome poller.Outcome, ticket *gateway.ChargeTicket, lastErr error) pos.Result {
	o.deps.Display.Clear()

	result := pos.MapOutcome(req, outcome, ticket, lastErr, o.deps.Receipts)

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	o.deps.Sessions.Release(releaseCtx)
	cancel()

	if o.deps.Journal != nil {
		item := core.ResultItem{
			ID:        uuid.NewString(),
			PosTxnID:  req.TransactionID,
			Record:    result.Record(),
			Accepted:  result.Accepted(),
			CreatedAt: time.Now(),
		}
		if ticket != nil {
			item.LocalOrderID = ticket.LocalOrderID
			item.GatewayTxnID = ticket.GatewayTxnID
		}
		if err := o.deps.Journal.Store(item); err != nil {
			o.deps.Logger.Errorf("Failed to journal result for sale %s: %v", req.TransactionID, err)
		}
	}

	o.audit(req.TransactionID, "sale.terminal", map[string]interface{}{
		"result":   result.TransactionResult,
		"status":   string(outcome.Status),
		"attempts": outcome.Attempts,
	})

	return result
}

// Cancel requests cooperative cancellation of the in-flight sale. Returns
// false when no sale is running.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.inFlight {
		return false
	}
	o.deps.Logger.Infof("Cancellation requested for sale %s", o.saleID)
	o.cancelSale()
	return true
}

// Busy reports whether a sale is in flight and its POS transaction id.
func (o *Orchestrator) Busy() (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight, o.saleID
}

func (o *Orchestrator) validate(req pos.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if o.deps.Config.Get().BaseURL == "" {
		return &session.ErrConfigIncomplete{Missing: []string{"BaseURL"}}
	}
	return nil
}

func (o *Orchestrator) claim(ctx context.Context, saleID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return ErrSaleInFlight
	}
	saleCtx, cancel := context.WithCancel(ctx)
	o.inFlight = true
	o.saleID = saleID
	o.saleCtx = saleCtx
	o.cancelSale = cancel
	return nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelSale()
	o.inFlight = false
	o.saleID = ""
	o.saleCtx = nil
	o.cancelSale = nil
}

func (o *Orchestrator) audit(saleID, stage string, detail map[string]interface{}) {
	if o.deps.Auditor == nil {
		return
	}
	if err := o.deps.Auditor.Log(saleID, stage, detail); err != nil {
		o.deps.Logger.Warningf("Audit write failed for sale %s: %v", saleID, err)
	}
}

// retriable reports whether a pre-charge failure is worth a fresh pass.
// Auth failures at session open mean bad credentials, not a stale token, so
// they fail fast.
func retriable(err error) bool {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Transport() && !gerr.Auth()
}

func isAuth(err error) bool {
	var gerr *gateway.Error
	return errors.As(err, &gerr) && gerr.Auth()
}
