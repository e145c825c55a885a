package pos

import (
	"errors"
	"fmt"

	"github.com/hypernovalabs/yp-qr-sub000/internal/gateway"
	"github.com/hypernovalabs/yp-qr-sub000/internal/poller"
)

// ReceiptFormatter produces the human-readable failure receipt block. The
// real formatter lives with the printing stack; this service only carries
// its output.
type ReceiptFormatter interface {
	FailureReceipt(req Request, message string, columns int) string
}

// MapOutcome converts a terminal sale outcome into the POS result record.
// It is total: every outcome, including cap exhaustion and malformed
// responses, maps to exactly one Result. ticket may be nil when the sale
// failed before charge creation.
func MapOutcome(req Request, outcome poller.Outcome, ticket *gateway.ChargeTicket, err error, receipts ReceiptFormatter) Result {
	res := Result{
		TransactionType: req.TransactionType,
		Amount:          FormatMinor(req.Amount),
		TipAmount:       FormatMinor(req.TipAmount),
		TaxAmount:       FormatMinor(req.TaxAmount),
		TransactionID:   req.TransactionID,
	}
	if ticket != nil {
		res.TransactionData = ExternalReference(ticket)
	}

	if outcome.Status.Success() {
		res.TransactionResult = ResultAccepted
		return res
	}

	res.TransactionResult = ResultFailed
	res.ErrorMessageTitle, res.ErrorMessage = failureText(outcome, err)
	if receipts != nil {
		res.FailureReceipt = receipts.FailureReceipt(req, res.ErrorMessage, req.PrinterColumns)
	}
	return res
}

// ExternalReference builds the POS reference string from the gateway
// transaction id and the local order id.
func ExternalReference(ticket *gateway.ChargeTicket) string {
	return fmt.Sprintf("%s/YP-%s", ticket.GatewayTxnID, ticket.LocalOrderID)
}

// FormatMinor renders a minor-unit amount as the digit string the POS
// consumes: format with exactly two decimal digits, then strip the
// separator. 12345 (123.45) → "12345"; 7 (0.07) → "007".
func FormatMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d%02d", sign, minor/100, minor%100)
}

// failureText picks the short user-facing message and title for a failed
// sale. Titles stay distinct from raw error text.
func failureText(outcome poller.Outcome, err error) (title, message string) {
	switch outcome.Status {
	case poller.StatusCancelled:
		if outcome.CancelRequested {
			return "Payment cancelled", "The payment was cancelled before completion."
		}
		return "Payment cancelled", "The gateway reported the payment as cancelled."
	case poller.StatusExpired:
		return "Payment expired", "The QR code expired before the customer paid."
	case poller.StatusMaxRetriesReached:
		return "Payment status unknown", "The payment did not reach a final status in time. Verify the charge manually before retrying."
	}

	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Auth():
			return "Gateway authentication failed", "The gateway rejected the device credentials. Check the configured keys."
		case gerr.Kind == gateway.KindNoToken:
			return "Session not established", nonEmpty(gerr.Message, "The gateway did not issue a session token.")
		case gerr.Kind == gateway.KindLogical:
			return "Payment rejected", nonEmpty(gerr.Message, "The gateway rejected the charge.")
		case gerr.Kind == gateway.KindCanceled:
			return "Payment cancelled", "The payment was cancelled before completion."
		case gerr.Kind == gateway.KindTimeout:
			return "Gateway timeout", "The payment gateway did not respond in time."
		case gerr.Kind == gateway.KindNetwork:
			return "Gateway unreachable", "Could not reach the payment gateway. Check the network connection."
		case gerr.Kind == gateway.KindMalformed:
			return "Unexpected gateway reply", "The gateway sent a response this terminal could not read."
		default:
			return "Gateway error", fmt.Sprintf("The gateway returned HTTP %d.", gerr.StatusCode)
		}
	}

	if err != nil {
		return "Payment failed", err.Error()
	}
	return "Payment failed", "The payment did not complete."
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
