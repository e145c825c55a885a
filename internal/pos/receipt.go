package pos

import (
	"fmt"
	"strings"
	"time"
)

// PlainTextReceipts is the default failure-receipt formatter: a centered
// plain-text block sized to the POS printer width. Real deployments swap in
// the printing stack's formatter.
type PlainTextReceipts struct {
	Now func() time.Time
}

const defaultReceiptColumns = 32

func (f PlainTextReceipts) FailureReceipt(req Request, message string, columns int) string {
	if columns <= 0 {
		columns = defaultReceiptColumns
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	var b strings.Builder
	rule := strings.Repeat("-", columns)
	b.WriteString(rule + "\n")
	b.WriteString(center("PAYMENT NOT COMPLETED", columns) + "\n")
	b.WriteString(rule + "\n")
	b.WriteString(fmt.Sprintf("Ref:    %s\n", req.TransactionID))
	b.WriteString(fmt.Sprintf("Amount: %s\n", FormatMinor(req.Amount)))
	b.WriteString(fmt.Sprintf("Time:   %s\n", now().Format("2006-01-02 15:04:05")))
	for _, line := range wrap(message, columns) {
		b.WriteString(line + "\n")
	}
	b.WriteString(rule + "\n")
	return b.String()
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	pad := (width - len(s)) / 2
	return strings.Repeat(" ", pad) + s
}

func wrap(s string, width int) []string {
	words := strings.Fields(s)
	var lines []string
	var cur string
	for _, w := range words {
		switch {
		case cur == "":
			cur = w
		case len(cur)+1+len(w) <= width:
			cur += " " + w
		default:
			lines = append(lines, cur)
			cur = w
		}
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}
