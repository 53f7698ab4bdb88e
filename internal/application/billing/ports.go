package billing

import (
	"context"

	"github.com/jhoicas/verifactu-api/internal/domain/repository"
)

// BillingTxRunner ejecuta un callback con repos de facturación atados a una
// transacción: cabecera y líneas se persisten juntas o no se persisten.
type BillingTxRunner interface {
	RunBilling(ctx context.Context, fn func(invoiceRepo repository.InvoiceRepository) error) error
}
