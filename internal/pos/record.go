package pos

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Inbound record keys. The POS boundary is a flat key/value record; values
// arrive as strings or JSON numbers depending on the POS build.
const (
	KeyCurrencyISO    = "CurrencyISO"
	KeyTenderType     = "TenderType"
	KeyTransactionTyp = "TransactionType"
	KeyAmount         = "Amount"
	KeyTipAmount      = "TipAmount"
	KeyTaxAmount      = "TaxAmount"
	KeyTransactionID  = "TransactionId"
	KeyPrinterColumns = "ReceiptPrinterColumns"
	KeyShopData       = "ShopData"
	KeyDocumentPath   = "DocumentPath"
	KeyDocumentData   = "DocumentData"
	KeyPreferDocData  = "PreferDocumentData"
)

// Outbound record keys.
const (
	KeyTransactionResult = "TransactionResult"
	KeyTransactionData   = "TransactionData"
	KeyErrorMessage      = "ErrorMessage"
	KeyErrorMessageTitle = "ErrorMessageTitle"
	KeyFailureReceipt    = "FailureReceipt"
)

// Result codes the POS understands.
const (
	ResultAccepted = "ACCEPTED"
	ResultFailed   = "FAILED"
)

// Request is one sale request as received from the POS. Amounts are
// fixed-point minor units. Immutable once parsed; constructed once per sale.
type Request struct {
	CurrencyISO     string
	TenderType      string
	TransactionType string
	Amount          int64
	TipAmount       int64
	TaxAmount       int64
	TransactionID   string
	PrinterColumns  int
	ShopData        string // external XML, opaque to this service
	Document        string // resolved from DocumentPath/DocumentData
}

// ParseRequest decodes the flat inbound record. Amount fields accept either
// an integer minor-unit string or a JSON number. DocumentData wins over
// DocumentPath when the PreferDocumentData behavior flag is set.
func ParseRequest(record map[string]interface{}) (Request, error) {
	req := Request{
		CurrencyISO:     stringField(record, KeyCurrencyISO),
		TenderType:      stringField(record, KeyTenderType),
		TransactionType: stringField(record, KeyTransactionTyp),
		TransactionID:   stringField(record, KeyTransactionID),
		ShopData:        stringField(record, KeyShopData),
	}

	var err error
	if req.Amount, err = amountField(record, KeyAmount); err != nil {
		return Request{}, err
	}
	if req.TipAmount, err = amountField(record, KeyTipAmount); err != nil {
		return Request{}, err
	}
	if req.TaxAmount, err = amountField(record, KeyTaxAmount); err != nil {
		return Request{}, err
	}

	if cols := stringField(record, KeyPrinterColumns); cols != "" {
		if n, err := strconv.Atoi(cols); err == nil {
			req.PrinterColumns = n
		}
	}

	docPath := stringField(record, KeyDocumentPath)
	docData := stringField(record, KeyDocumentData)
	preferData := strings.EqualFold(stringField(record, KeyPreferDocData), "true")
	switch {
	case preferData && docData != "":
		req.Document = docData
	case docPath != "":
		req.Document = docPath
	default:
		req.Document = docData
	}

	return req, nil
}

// Validate applies the immediate, no-network checks.
func (r Request) Validate() error {
	if r.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", r.Amount)
	}
	return nil
}

func stringField(record map[string]interface{}, key string) string {
	v, ok := record[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func amountField(record map[string]interface{}, key string) (int64, error) {
	v, ok := record[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch t := v.(type) {
	case float64:
		// Amounts are already minor units; a fractional number means the
		// POS sent a major-unit value and truncating would corrupt it.
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("field %s: %v is not an integer minor-unit amount", key, t)
		}
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %q is not an integer minor-unit amount", key, t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("field %s: unsupported type %T", key, v)
	}
}

// Result is the terminal POS-facing record for one sale request. Built
// once, returned exactly once per request.
type Result struct {
	TransactionResult string
	TransactionType   string
	Amount            string
	TipAmount         string
	TaxAmount         string
	TransactionData   string
	TransactionID     string
	ErrorMessage      string
	ErrorMessageTitle string
	FailureReceipt    string
}

// Accepted reports whether the sale settled successfully.
func (r Result) Accepted() bool { return r.TransactionResult == ResultAccepted }

// Record renders the outbound flat key/value record. Error keys appear only
// on failure; exactly one record exists per inbound request.
func (r Result) Record() map[string]string {
	out := map[string]string{
		KeyTransactionResult: r.TransactionResult,
		KeyTransactionTyp:    r.TransactionType,
		KeyAmount:            r.Amount,
		KeyTipAmount:         r.TipAmount,
		KeyTaxAmount:         r.TaxAmount,
		KeyTransactionData:   r.TransactionData,
		KeyTransactionID:     r.TransactionID,
	}
	if r.ErrorMessage != "" {
		out[KeyErrorMessage] = r.ErrorMessage
		out[KeyErrorMessageTitle] = r.ErrorMessageTitle
	}
	if r.FailureReceipt != "" {
		out[KeyFailureReceipt] = r.FailureReceipt
	}
	return out
}
