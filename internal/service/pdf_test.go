package service

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"learnhub/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder() *models.Order {
	return &models.Order{
		ID:          42,
		Reference:   "LH-TEST1234",
		Email:       "buyer@example.com",
		AmountTotal: 14900,
		Currency:    "eur",
	}
}

func TestBuildInvoicePDFStructure(t *testing.T) {
	pdf := buildInvoicePDF(testOrder(), []models.OrderItem{
		{Quantity: 1, Description: "Go for Professionals", UnitAmount: 14900},
	})

	s := string(pdf)
	assert.True(t, strings.HasPrefix(s, "%PDF-1.4\n"))
	assert.True(t, strings.HasSuffix(s, "%%EOF\n"))

	for i := 1; i <= 5; i++ {
		assert.Contains(t, s, fmt.Sprintf("%d 0 obj", i))
	}
	assert.Contains(t, s, "/Type /Catalog")
	assert.Contains(t, s, "/BaseFont /Helvetica")
	assert.Contains(t, s, "Invoice LH-TEST1234")
	assert.Contains(t, s, "149.00 eur")
}

func TestBuildInvoicePDFStreamLength(t *testing.T) {
	pdf := buildInvoicePDF(testOrder(), nil)
	s := string(pdf)

	streamStart := strings.Index(s, "stream\n")
	require.NotEqual(t, -1, streamStart)
	streamStart += len("stream\n")
	streamEnd := strings.Index(s, "\nendstream")
	require.NotEqual(t, -1, streamEnd)

	lenStart := strings.Index(s, "/Length ")
	require.NotEqual(t, -1, lenStart)
	lenStr := s[lenStart+len("/Length "):]
	lenStr = lenStr[:strings.IndexAny(lenStr, " >")]
	declared, err := strconv.Atoi(lenStr)
	require.NoError(t, err)

	assert.Equal(t, declared, streamEnd-streamStart)
}

func TestBuildInvoicePDFXrefOffsets(t *testing.T) {
	pdf := buildInvoicePDF(testOrder(), []models.OrderItem{
		{Quantity: 2, Description: "Course seat", UnitAmount: 7450},
	})
	s := string(pdf)

	// startxref points at the xref keyword.
	idx := strings.LastIndex(s, "startxref\n")
	require.NotEqual(t, -1, idx)
	rest := s[idx+len("startxref\n"):]
	xrefOffset, err := strconv.Atoi(rest[:strings.Index(rest, "\n")])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s[xrefOffset:], "xref\n"))

	// Each xref entry points at its object header.
	xref := s[xrefOffset:]
	lines := strings.Split(xref, "\n")
	require.True(t, len(lines) > 7)
	for i := 1; i <= 5; i++ {
		entry := lines[2+i]
		off, err := strconv.Atoi(entry[:10])
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(s[off:], fmt.Sprintf("%d 0 obj", i)),
			"object %d offset mismatch", i)
	}
}

func TestBuildInvoicePDFEscapesText(t *testing.T) {
	order := testOrder()
	pdf := buildInvoicePDF(order, []models.OrderItem{
		{Quantity: 1, Description: `Pack (annual) \ bonus`, UnitAmount: 100},
	})

	assert.True(t, bytes.Contains(pdf, []byte(`Pack \(annual\) \\ bonus`)))
}

func TestEscapePDFText(t *testing.T) {
	assert.Equal(t, `a\(b\)c`, escapePDFText("a(b)c"))
	assert.Equal(t, `\\`, escapePDFText(`\`))
	assert.Equal(t, "plain", escapePDFText("plain"))
}

func TestFormatMinorUnits(t *testing.T) {
	assert.Equal(t, "149.00 eur", formatMinorUnits(14900, "eur"))
	assert.Equal(t, "0.05 mad", formatMinorUnits(5, "mad"))
}
