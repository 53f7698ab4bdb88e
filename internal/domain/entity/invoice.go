package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Estados VeriFactu de una factura (ciclo de envío a la AEAT).
const (
	VeriFactuStateDraft             = "draft"              // Borrador, aún no enviada
	VeriFactuStateSent              = "sent"               // Enviada, respuesta en proceso
	VeriFactuStateAccepted          = "accepted"           // Aceptada por la AEAT (terminal)
	VeriFactuStatePartiallyAccepted = "partially_accepted" // Aceptada con errores parciales (terminal)
	VeriFactuStateRejected          = "rejected"           // Rechazada por la AEAT (reintentable)
	VeriFactuStateError             = "error"              // Error de transporte o respuesta (reintentable)
)

// Invoice representa la cabecera de una factura de venta con sus campos VeriFactu.
// Una vez que el estado abandona draft, la huella y el XML generado son inmutables;
// solo se reenvía desde draft, rejected o error.
type Invoice struct {
	ID         string
	CompanyID  string
	CustomerID string
	Number     string // Serie + número completo (ej: INV/2024/001)
	Date       time.Time
	NetTotal   decimal.Decimal
	TaxTotal   decimal.Decimal
	GrandTotal decimal.Decimal

	VeriFactuState    string
	VeriFactuHash     string     // Huella SHA-256 (hex) del registro
	VeriFactuSent     bool       // true una vez entregada al WS AEAT
	VeriFactuSentDate *time.Time // Momento del envío
	VeriFactuCSV      string     // Código Seguro de Verificación devuelto por la AEAT
	VeriFactuResponse string     // Respuesta XML cruda o texto de error
	VeriFactuXML      string     // Documento canónico firmado enviado a la AEAT
	QRData            string     // URL de verificación embebida en el QR de la factura
	Subsanacion       bool       // Registro de subsanación
	RechazoPrevio     bool       // Hubo un rechazo previo de este registro

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Retriable indica si la factura admite un nuevo intento de envío.
func (i *Invoice) Retriable() bool {
	switch i.VeriFactuState {
	case VeriFactuStateDraft, VeriFactuStateRejected, VeriFactuStateError:
		return true
	}
	return false
}

// InvoiceLine es una línea de factura con su base imponible y tipo impositivo.
type InvoiceLine struct {
	ID          string
	InvoiceID   string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	TaxRate     decimal.Decimal // Porcentaje (21.00 = IVA 21%)
	Subtotal    decimal.Decimal // Base imponible de la línea
	HasTax      bool            // true si la línea lleva impuesto repercutido
}
