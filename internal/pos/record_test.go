package pos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	record := map[string]interface{}{
		"CurrencyISO":           "590",
		"TenderType":            "QR",
		"TransactionType":       "SALE",
		"Amount":                "12345",
		"TipAmount":             float64(100), // JSON number
		"TaxAmount":             "864",
		"TransactionId":         "pos-txn-9",
		"ReceiptPrinterColumns": "40",
		"ShopData":              "<shop id=\"1\"/>",
	}

	req, err := ParseRequest(record)
	require.NoError(t, err)

	assert.Equal(t, "590", req.CurrencyISO)
	assert.Equal(t, int64(12345), req.Amount)
	assert.Equal(t, int64(100), req.TipAmount)
	assert.Equal(t, int64(864), req.TaxAmount)
	assert.Equal(t, "pos-txn-9", req.TransactionID)
	assert.Equal(t, 40, req.PrinterColumns)
	assert.NoError(t, req.Validate())
}

func TestParseRequest_BadAmount(t *testing.T) {
	_, err := ParseRequest(map[string]interface{}{"Amount": "12.45"})
	assert.Error(t, err, "decimal strings are not minor units")

	_, err = ParseRequest(map[string]interface{}{"Amount": []string{"x"}})
	assert.Error(t, err)

	// A fractional JSON number is a major-unit value; truncating it to
	// cents would silently change the charge.
	_, err = ParseRequest(map[string]interface{}{"Amount": float64(123.45)})
	assert.Error(t, err, "fractional numbers are not minor units")

	_, err = ParseRequest(map[string]interface{}{"TipAmount": float64(0.5)})
	assert.Error(t, err)
}

func TestValidate_NonPositiveAmount(t *testing.T) {
	for _, amount := range []int64{0, -500} {
		req := Request{Amount: amount}
		assert.Error(t, req.Validate(), "amount %d", amount)
	}
}

func TestParseRequest_DocumentPriority(t *testing.T) {
	tests := []struct {
		name   string
		record map[string]interface{}
		want   string
	}{
		{
			"path wins by default",
			map[string]interface{}{"DocumentPath": "/tmp/doc.xml", "DocumentData": "<inline/>"},
			"/tmp/doc.xml",
		},
		{
			"data wins when flag set",
			map[string]interface{}{"DocumentPath": "/tmp/doc.xml", "DocumentData": "<inline/>", "PreferDocumentData": "true"},
			"<inline/>",
		},
		{
			"data as fallback",
			map[string]interface{}{"DocumentData": "<inline/>"},
			"<inline/>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest(tt.record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Document)
		})
	}
}

func TestResult_Record(t *testing.T) {
	ok := Result{
		TransactionResult: ResultAccepted,
		TransactionType:   "SALE",
		Amount:            "12345",
		TipAmount:         "000",
		TaxAmount:         "864",
		TransactionData:   "gw-777/YP-ORD-171",
		TransactionID:     "pos-txn-9",
	}
	rec := ok.Record()
	assert.Equal(t, "ACCEPTED", rec["TransactionResult"])
	assert.NotContains(t, rec, "ErrorMessage")

	failed := ok
	failed.TransactionResult = ResultFailed
	failed.ErrorMessage = "The QR code expired before the customer paid."
	failed.ErrorMessageTitle = "Payment expired"
	rec = failed.Record()
	assert.Equal(t, "FAILED", rec["TransactionResult"])
	assert.NotEmpty(t, rec["ErrorMessage"])
	assert.NotEqual(t, rec["ErrorMessage"], rec["ErrorMessageTitle"])
}
