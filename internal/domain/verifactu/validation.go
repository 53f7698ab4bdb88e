package verifactu

import (
	"errors"
	"fmt"

	"github.com/jhoicas/verifactu-api/internal/domain/entity"
)

// Errores de validación previa al envío.
var (
	ErrInvalidInvoice = errors.New("factura inválida para VeriFactu")
	// ErrMissingTaxLines: un registro sin al menos un DetalleDesglose no tiene
	// valor legal; se rechaza antes de calcular huella o generar documento.
	ErrMissingTaxLines = errors.New("la factura debe tener al menos una línea con impuesto (DetalleDesglose obligatorio)")
)

// ValidateForSubmission comprueba los campos obligatorios de la factura antes
// de cualquier trabajo criptográfico o de red. Agrega todos los fallos en un
// único error con errors.Join.
func ValidateForSubmission(inv *entity.Invoice, lines []*entity.InvoiceLine, issuerVAT, recipientVAT string) error {
	if inv == nil {
		return fmt.Errorf("%w: factura nula", ErrInvalidInvoice)
	}
	var errs []error

	if inv.Number == "" {
		errs = append(errs, fmt.Errorf("falta el número de factura"))
	}
	if inv.Date.IsZero() {
		errs = append(errs, fmt.Errorf("falta la fecha de factura"))
	}
	if _, err := NormalizeIssuerVAT(issuerVAT); err != nil {
		errs = append(errs, fmt.Errorf("NIF de la empresa: %w", err))
	}
	if _, err := NormalizeVAT(recipientVAT); err != nil {
		errs = append(errs, fmt.Errorf("NIF del cliente: %w", err))
	} else if recipientVAT == "" {
		errs = append(errs, fmt.Errorf("falta el NIF del cliente"))
	}
	if !HasTaxedLines(lines) {
		errs = append(errs, ErrMissingTaxLines)
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidInvoice}, errs...)...)
	}
	return nil
}

// HasTaxedLines indica si existe al menos una línea con impuesto repercutido.
func HasTaxedLines(lines []*entity.InvoiceLine) bool {
	for _, l := range lines {
		if l != nil && l.HasTax {
			return true
		}
	}
	return false
}
