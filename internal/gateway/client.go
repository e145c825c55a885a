package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"github.com/hypernovalabs/yp-qr-sub000/internal/settings"
)

// Transaction status values the gateway reports. Anything else the gateway
// sends is carried through as-is and treated as non-terminal by the poller.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED"
	StatusExpired   = "EXPIRED"
)

// ConfigSource supplies the gateway configuration per call, so runtime
// config updates apply to the next request without rebuilding the client.
type ConfigSource interface {
	Get() settings.GatewayConfig
}

// DeviceIdentity is the payload of the session-open call.
type DeviceIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	User string `json:"user"`
}

// Charge is the monetary content of a QR charge request. All values are
// fixed-point minor units (cents).
type Charge struct {
	Subtotal int64
	Tip      int64
	Discount int64
}

// ChargeTicket identifies a created charge. Exactly one exists per sale
// request that reached charge creation; it is immutable after creation.
type ChargeTicket struct {
	LocalOrderID string
	GatewayTxnID string
	Hash         string
	CreatedAt    time.Time
}

// StatusReply is the decoded body of a get-status or cancel call. Status
// comes from body.status, falling back to a top-level code field.
type StatusReply struct {
	Status     string
	HTTPStatus int
	Raw        json.RawMessage
}

// Client is a stateless request/response wrapper for the gateway calls.
// It holds no session state; tokens are passed in by the caller.
type Client struct {
	cfg    ConfigSource
	http   *http.Client
	logger *goeen_log.Logger
}

// NewClient creates a gateway client. No per-call timeout is imposed beyond
// the platform socket timeout; the poller's attempt cap is the effective
// end-to-end deadline.
func NewClient(cfg ConfigSource, logger *goeen_log.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
	}
}

// request envelopes: every gateway call nests its payload under "body".

type sessionRequest struct {
	Body sessionRequestBody `json:"body"`
}

type sessionRequestBody struct {
	Device  DeviceIdentity `json:"device"`
	GroupID string         `json:"group_id"`
}

type chargeRequest struct {
	Body chargeRequestBody `json:"body"`
}

type chargeRequestBody struct {
	ChargeAmount chargeAmount `json:"charge_amount"`
	OrderID      string       `json:"order_id"`
	Description  string       `json:"description"`
}

type chargeAmount struct {
	SubTotal string `json:"sub_total"`
	Tax      string `json:"tax"`
	Tip      string `json:"tip"`
	Discount string `json:"discount"`
	Total    string `json:"total"`
}

// OpenSession opens a device session and returns the opaque token. An empty
// or missing token in a 2xx reply is ErrNoToken-kinded, not a transport error.
func (c *Client) OpenSession(ctx context.Context, identity DeviceIdentity, groupID string) (string, error) {
	const op = "open_session"

	payload := sessionRequest{Body: sessionRequestBody{Device: identity, GroupID: groupID}}
	raw, status, err := c.do(ctx, op, http.MethodPost, "/session/device", "", payload)
	if err != nil {
		return "", err
	}

	var reply struct {
		Body struct {
			Token string `json:"token"`
		} `json:"body"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	if reply.Body.Token == "" {
		return "", &Error{Kind: KindNoToken, Op: op, Message: gatewayMessage(raw), StatusCode: status}
	}

	c.logger.Infof("Gateway session opened for device %s", identity.ID)
	return reply.Body.Token, nil
}

// CloseSession tells the gateway to drop the device session. Best-effort:
// the session manager logs a failure but never surfaces it.
func (c *Client) CloseSession(ctx context.Context, token string) error {
	_, _, err := c.do(ctx, "close_session", http.MethodDelete, "/session/device", token, nil)
	return err
}

// CreateCharge creates a dynamic QR charge. The local order id is generated
// before the call and is stable regardless of response shape, so a crashed
// call can still be reconciled against the gateway.
func (c *Client) CreateCharge(ctx context.Context, token string, charge Charge) (*ChargeTicket, error) {
	const op = "create_charge"

	cfg := c.cfg.Get()
	localOrderID := fmt.Sprintf("ORD-%d", time.Now().UnixMilli())

	tax := RoundTax(charge.Subtotal, cfg.TaxRate)
	total := charge.Subtotal + tax + charge.Tip - charge.Discount

	payload := chargeRequest{Body: chargeRequestBody{
		ChargeAmount: chargeAmount{
			SubTotal: FormatMajor(charge.Subtotal),
			Tax:      FormatMajor(tax),
			Tip:      FormatMajor(charge.Tip),
			Discount: FormatMajor(charge.Discount),
			Total:    FormatMajor(total),
		},
		OrderID:     localOrderID,
		Description: cfg.Description,
	}}

	raw, status, err := c.do(ctx, op, http.MethodPost, "/qr/generate/DYN", token, payload)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Body *struct {
			Date          string `json:"date"`
			TransactionID string `json:"transactionId"`
			Hash          string `json:"hash"`
		} `json:"body"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	if reply.Body == nil {
		return nil, &Error{Kind: KindLogical, Op: op, Message: gatewayMessage(raw), StatusCode: status}
	}
	if reply.Body.TransactionID == "" {
		return nil, &Error{Kind: KindLogical, Op: op, Message: "charge reply missing transactionId", StatusCode: status}
	}

	created := time.Now()
	if reply.Body.Date != "" {
		if t, err := time.Parse(time.RFC3339, reply.Body.Date); err == nil {
			created = t
		}
	}

	c.logger.Infof("Charge created: order %s → gateway txn %s", localOrderID, reply.Body.TransactionID)
	return &ChargeTicket{
		LocalOrderID: localOrderID,
		GatewayTxnID: reply.Body.TransactionID,
		Hash:         reply.Body.Hash,
		CreatedAt:    created,
	}, nil
}

// GetStatus fetches the current transaction status by gateway id.
func (c *Client) GetStatus(ctx context.Context, token, txnID string) (*StatusReply, error) {
	return c.transactionCall(ctx, "get_status", http.MethodGet, token, txnID)
}

// Cancel asks the gateway to cancel the transaction. A 2xx reply with a
// blank status counts as a successful cancellation.
func (c *Client) Cancel(ctx context.Context, token, txnID string) (*StatusReply, error) {
	return c.transactionCall(ctx, "cancel", http.MethodPut, token, txnID)
}

func (c *Client) transactionCall(ctx context.Context, op, method, token, txnID string) (*StatusReply, error) {
	raw, status, err := c.do(ctx, op, method, "/transaction/"+txnID, token, nil)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Body *struct {
			Status string `json:"status"`
		} `json:"body"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}

	out := &StatusReply{HTTPStatus: status, Raw: raw}
	if reply.Body != nil && reply.Body.Status != "" {
		out.Status = reply.Body.Status
	} else {
		out.Status = reply.Code
	}
	return out, nil
}

// do runs one HTTP round-trip with the fixed header set and returns the raw
// body of a 2xx reply.
func (c *Client) do(ctx context.Context, op, method, path, token string, payload interface{}) (json.RawMessage, int, error) {
	cfg := c.cfg.Get()
	url := strings.TrimSuffix(cfg.BaseURL, "/") + path

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, &Error{Kind: KindMalformed, Op: op, Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", cfg.APIKey)
	req.Header.Set("secret-key", cfg.SecretKey)
	if token != "" {
		// Opaque token, no bearer prefix.
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, classify(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &Error{
			Kind:       KindHTTP,
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    gatewayMessage(data),
		}
	}

	return data, resp.StatusCode, nil
}

// gatewayMessage pulls the diagnostic message field out of a raw reply.
func gatewayMessage(raw []byte) string {
	var probe struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &probe) == nil {
		return probe.Message
	}
	return ""
}

// RoundTax computes the charge tax in minor units: round(subtotal*rate, 2)
// on the major-unit amount, which is a plain half-up rounding in cents.
func RoundTax(subtotal int64, rate float64) int64 {
	return int64(math.Round(float64(subtotal) * rate))
}

// FormatMajor renders minor units as a major-unit decimal string with
// exactly two digits, e.g. 12345 → "123.45".
func FormatMajor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
