package service

import (
	"bytes"
	"fmt"
	"strings"

	"learnhub/internal/models"
)

// escapePDFText escapes the characters with meaning inside a PDF literal
// string: backslash and both parentheses.
func escapePDFText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '(':
			b.WriteString(`\(`)
		case ')':
			b.WriteString(`\)`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func formatMinorUnits(amount int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", amount/100, amount%100, currency)
}

// buildInvoicePDF constructs a minimal PDF 1.4 document by direct byte
// assembly: catalog, pages, page, content stream and font objects plus a
// correct xref table. The stream Length equals the content byte count and
// startxref points at the xref keyword.
func buildInvoicePDF(order *models.Order, items []models.OrderItem) []byte {
	lines := []string{
		fmt.Sprintf("Invoice %s", order.Reference),
		fmt.Sprintf("Total: %s", formatMinorUnits(order.AmountTotal, order.Currency)),
	}
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%d x %s - %s",
			item.Quantity, item.Description, formatMinorUnits(item.UnitAmount, order.Currency)))
	}

	var content bytes.Buffer
	content.WriteString("BT\n/F1 12 Tf\n50 792 Td\n")
	for i, line := range lines {
		if i > 0 {
			content.WriteString("0 -16 Td\n")
		}
		fmt.Fprintf(&content, "(%s) Tj\n", escapePDFText(line))
	}
	content.WriteString("ET")

	var buf bytes.Buffer
	offsets := make([]int, 0, 5)

	buf.WriteString("%PDF-1.4\n")

	offsets = append(offsets, buf.Len())
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets = append(offsets, buf.Len())
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	offsets = append(offsets, buf.Len())
	buf.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] " +
		"/Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>\nendobj\n")

	offsets = append(offsets, buf.Len())
	fmt.Fprintf(&buf, "4 0 obj\n<< /Length %d >>\nstream\n", content.Len())
	buf.Write(content.Bytes())
	buf.WriteString("\nendstream\nendobj\n")

	offsets = append(offsets, buf.Len())
	buf.WriteString("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xrefOffset := buf.Len()
	buf.WriteString("xref\n0 6\n")
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	buf.WriteString("trailer\n<< /Size 6 /Root 1 0 R >>\n")
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)

	return buf.Bytes()
}
