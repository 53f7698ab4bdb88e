package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateInvoiceRequest body para POST /api/invoices. La factura nace en
// estado draft; el envío a la AEAT es una operación aparte.
type CreateInvoiceRequest struct {
	CustomerID string               `json:"customer_id"`
	Number     string               `json:"number"` // Serie + número completo (ej: INV/2024/001)
	Date       string               `json:"date"`   // YYYY-MM-DD; vacío = hoy
	Items      []InvoiceItemRequest `json:"items"`
}

// InvoiceItemRequest línea de factura.
type InvoiceItemRequest struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"` // Porcentaje (21 = IVA 21%)
	HasTax      *bool           `json:"has_tax,omitempty"`
}

// InvoiceResponse factura con detalle y estado VeriFactu.
type InvoiceResponse struct {
	ID         string          `json:"id"`
	CompanyID  string          `json:"company_id"`
	CustomerID string          `json:"customer_id"`
	Number     string          `json:"number"`
	Date       string          `json:"date"`
	NetTotal   decimal.Decimal `json:"net_total"`
	TaxTotal   decimal.Decimal `json:"tax_total"`
	GrandTotal decimal.Decimal `json:"grand_total"`

	VeriFactu VeriFactuStatusResponse `json:"verifactu"`

	Lines []InvoiceLineResponse `json:"lines,omitempty"`
}

// InvoiceLineResponse línea en la respuesta.
type InvoiceLineResponse struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	HasTax      bool            `json:"has_tax"`
}

// VeriFactuStatusResponse estado del ciclo VeriFactu de una factura.
type VeriFactuStatusResponse struct {
	State    string     `json:"state"`
	Hash     string     `json:"hash,omitempty"`
	Sent     bool       `json:"sent"`
	SentDate *time.Time `json:"sent_date,omitempty"`
	CSV      string     `json:"csv,omitempty"`
	QRData   string     `json:"qr_data,omitempty"`
	Response string     `json:"response,omitempty"`
}
