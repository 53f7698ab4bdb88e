package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/verifactu-api/internal/application/dto"
	"github.com/jhoicas/verifactu-api/internal/domain"
	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/domain/repository"
)

// CreateInvoiceUseCase crea facturas en estado draft, con cabecera y líneas
// en una sola transacción. Los totales se calculan aquí a partir de las
// líneas; el cliente no los envía.
type CreateInvoiceUseCase struct {
	txRunner     BillingTxRunner
	customerRepo repository.CustomerRepository
	invoiceRepo  repository.InvoiceRepository
}

// NewCreateInvoiceUseCase construye el caso de uso.
func NewCreateInvoiceUseCase(txRunner BillingTxRunner, customerRepo repository.CustomerRepository, invoiceRepo repository.InvoiceRepository) *CreateInvoiceUseCase {
	return &CreateInvoiceUseCase{txRunner: txRunner, customerRepo: customerRepo, invoiceRepo: invoiceRepo}
}

// CreateInvoice valida la petición, calcula totales y persiste la factura draft.
func (uc *CreateInvoiceUseCase) CreateInvoice(ctx context.Context, companyID string, in dto.CreateInvoiceRequest) (*dto.InvoiceResponse, error) {
	if in.CustomerID == "" || in.Number == "" || len(in.Items) == 0 {
		return nil, domain.ErrInvalidInput
	}

	customer, err := uc.customerRepo.GetByID(ctx, in.CustomerID)
	if err != nil || customer == nil {
		return nil, domain.ErrNotFound
	}
	if customer.CompanyID != companyID {
		return nil, domain.ErrForbidden
	}

	date := time.Now()
	if in.Date != "" {
		d, pErr := time.Parse("2006-01-02", in.Date)
		if pErr != nil {
			return nil, domain.ErrInvalidInput
		}
		date = d
	}

	now := time.Now()
	inv := &entity.Invoice{
		ID:             uuid.New().String(),
		CompanyID:      companyID,
		CustomerID:     in.CustomerID,
		Number:         in.Number,
		Date:           date,
		VeriFactuState: entity.VeriFactuStateDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	lines := make([]*entity.InvoiceLine, 0, len(in.Items))
	netTotal, taxTotal := decimal.Zero, decimal.Zero
	for _, item := range in.Items {
		if !item.Quantity.GreaterThan(decimal.Zero) || item.UnitPrice.LessThan(decimal.Zero) || item.TaxRate.LessThan(decimal.Zero) {
			return nil, domain.ErrInvalidInput
		}
		hasTax := item.TaxRate.GreaterThan(decimal.Zero)
		if item.HasTax != nil {
			hasTax = *item.HasTax
		}
		subtotal := item.Quantity.Mul(item.UnitPrice).Round(2)
		netTotal = netTotal.Add(subtotal)
		if hasTax {
			taxTotal = taxTotal.Add(subtotal.Mul(item.TaxRate).Div(decimal.NewFromInt(100)).Round(2))
		}
		lines = append(lines, &entity.InvoiceLine{
			ID:          uuid.New().String(),
			InvoiceID:   inv.ID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TaxRate:     item.TaxRate,
			Subtotal:    subtotal,
			HasTax:      hasTax,
		})
	}
	inv.NetTotal = netTotal
	inv.TaxTotal = taxTotal
	inv.GrandTotal = netTotal.Add(taxTotal)

	err = uc.txRunner.RunBilling(ctx, func(invoiceRepo repository.InvoiceRepository) error {
		if err := invoiceRepo.Create(ctx, inv); err != nil {
			return err
		}
		for _, l := range lines {
			if err := invoiceRepo.CreateLine(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toInvoiceResponse(inv, lines), nil
}

// GetInvoice devuelve la factura con líneas, comprobando pertenencia a la empresa.
func (uc *CreateInvoiceUseCase) GetInvoice(ctx context.Context, companyID, id string) (*dto.InvoiceResponse, error) {
	inv, err := uc.invoiceRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}
	if inv.CompanyID != companyID {
		return nil, domain.ErrForbidden
	}
	lines, err := uc.invoiceRepo.GetLinesByInvoiceID(ctx, id)
	if err != nil {
		return nil, err
	}
	return toInvoiceResponse(inv, lines), nil
}

func toInvoiceResponse(inv *entity.Invoice, lines []*entity.InvoiceLine) *dto.InvoiceResponse {
	out := &dto.InvoiceResponse{
		ID:         inv.ID,
		CompanyID:  inv.CompanyID,
		CustomerID: inv.CustomerID,
		Number:     inv.Number,
		Date:       inv.Date.Format("2006-01-02"),
		NetTotal:   inv.NetTotal,
		TaxTotal:   inv.TaxTotal,
		GrandTotal: inv.GrandTotal,
		VeriFactu:  ToVeriFactuStatus(inv),
	}
	for _, l := range lines {
		out.Lines = append(out.Lines, dto.InvoiceLineResponse{
			ID:          l.ID,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			TaxRate:     l.TaxRate,
			Subtotal:    l.Subtotal,
			HasTax:      l.HasTax,
		})
	}
	return out
}

// ToVeriFactuStatus proyecta los campos VeriFactu de la factura al DTO de estado.
func ToVeriFactuStatus(inv *entity.Invoice) dto.VeriFactuStatusResponse {
	return dto.VeriFactuStatusResponse{
		State:    inv.VeriFactuState,
		Hash:     inv.VeriFactuHash,
		Sent:     inv.VeriFactuSent,
		SentDate: inv.VeriFactuSentDate,
		CSV:      inv.VeriFactuCSV,
		QRData:   inv.QRData,
		Response: inv.VeriFactuResponse,
	}
}
