package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/domain/repository"
)

var _ repository.InvoiceRepository = (*InvoiceRepo)(nil)

// InvoiceRepo implementación de InvoiceRepository (usable con pool o tx).
type InvoiceRepo struct {
	q Querier
}

// NewInvoiceRepository construye el adaptador. Pasar pool o tx (Querier).
func NewInvoiceRepository(q Querier) *InvoiceRepo {
	return &InvoiceRepo{q: q}
}

const invoiceColumns = `
	id, company_id, customer_id, number, date,
	net_total, tax_total, grand_total,
	verifactu_state, COALESCE(verifactu_hash, ''), verifactu_sent, verifactu_sent_date,
	COALESCE(verifactu_csv, ''), COALESCE(verifactu_response, ''), COALESCE(verifactu_xml, ''),
	COALESCE(qr_data, ''), subsanacion, rechazo_previo,
	created_at, updated_at`

// Create persiste la cabecera de la factura en estado draft.
func (r *InvoiceRepo) Create(ctx context.Context, invoice *entity.Invoice) error {
	if invoice.ID == "" {
		invoice.ID = uuid.New().String()
	}
	if invoice.VeriFactuState == "" {
		invoice.VeriFactuState = entity.VeriFactuStateDraft
	}
	query := `
		INSERT INTO invoices (id, company_id, customer_id, number, date,
		                      net_total, tax_total, grand_total,
		                      verifactu_state, verifactu_hash, verifactu_sent, verifactu_sent_date,
		                      verifactu_csv, verifactu_response, verifactu_xml,
		                      qr_data, subsanacion, rechazo_previo, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := r.q.Exec(ctx, query,
		invoice.ID, invoice.CompanyID, invoice.CustomerID, invoice.Number, invoice.Date,
		invoice.NetTotal, invoice.TaxTotal, invoice.GrandTotal,
		invoice.VeriFactuState, nullIfEmpty(invoice.VeriFactuHash), invoice.VeriFactuSent, invoice.VeriFactuSentDate,
		nullIfEmpty(invoice.VeriFactuCSV), nullIfEmpty(invoice.VeriFactuResponse), nullIfEmpty(invoice.VeriFactuXML),
		nullIfEmpty(invoice.QRData), invoice.Subsanacion, invoice.RechazoPrevio,
		invoice.CreatedAt, invoice.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invoice number already exists: %w", err)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// CreateLine persiste una línea de factura.
func (r *InvoiceRepo) CreateLine(ctx context.Context, line *entity.InvoiceLine) error {
	if line.ID == "" {
		line.ID = uuid.New().String()
	}
	query := `
		INSERT INTO invoice_lines (id, invoice_id, description, quantity, unit_price, tax_rate, subtotal, has_tax)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.q.Exec(ctx, query,
		line.ID, line.InvoiceID, line.Description, line.Quantity, line.UnitPrice,
		line.TaxRate, line.Subtotal, line.HasTax,
	)
	if err != nil {
		return fmt.Errorf("insert invoice line: %w", err)
	}
	return nil
}

// UpdateVeriFactu actualiza los campos VeriFactu de la factura tras un intento de envío.
// La huella, el XML y el CSV solo se pisan cuando traen valor (COALESCE).
func (r *InvoiceRepo) UpdateVeriFactu(ctx context.Context, invoice *entity.Invoice) error {
	query := `
		UPDATE invoices
		SET verifactu_state     = $2,
		    verifactu_hash      = COALESCE($3, verifactu_hash),
		    verifactu_xml       = COALESCE($4, verifactu_xml),
		    verifactu_response  = $5,
		    verifactu_csv       = COALESCE($6, verifactu_csv),
		    qr_data             = COALESCE($7, qr_data),
		    verifactu_sent      = $8,
		    verifactu_sent_date = COALESCE($9, verifactu_sent_date),
		    updated_at          = $10
		WHERE id = $1`
	updatedAt := invoice.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := r.q.Exec(ctx, query,
		invoice.ID,
		invoice.VeriFactuState,
		nullIfEmpty(invoice.VeriFactuHash),
		nullIfEmpty(invoice.VeriFactuXML),
		invoice.VeriFactuResponse,
		nullIfEmpty(invoice.VeriFactuCSV),
		nullIfEmpty(invoice.QRData),
		invoice.VeriFactuSent,
		invoice.VeriFactuSentDate,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("update invoice verifactu: %w", err)
	}
	return nil
}

// GetByID obtiene una factura completa por ID.
func (r *InvoiceRepo) GetByID(ctx context.Context, id string) (*entity.Invoice, error) {
	query := `SELECT` + invoiceColumns + ` FROM invoices WHERE id = $1`
	inv, err := r.scanInvoice(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// GetByHash obtiene una factura por su huella VeriFactu.
func (r *InvoiceRepo) GetByHash(ctx context.Context, hash string) (*entity.Invoice, error) {
	query := `SELECT` + invoiceColumns + ` FROM invoices WHERE verifactu_hash = $1`
	inv, err := r.scanInvoice(r.q.QueryRow(ctx, query, hash))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get invoice by hash: %w", err)
	}
	return inv, nil
}

// GetLinesByInvoiceID obtiene todas las líneas de una factura.
func (r *InvoiceRepo) GetLinesByInvoiceID(ctx context.Context, invoiceID string) ([]*entity.InvoiceLine, error) {
	query := `
		SELECT id, invoice_id, description, quantity, unit_price, tax_rate, subtotal, has_tax
		FROM invoice_lines WHERE invoice_id = $1 ORDER BY id`
	rows, err := r.q.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list invoice lines: %w", err)
	}
	defer rows.Close()
	var list []*entity.InvoiceLine
	for rows.Next() {
		var l entity.InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Description, &l.Quantity, &l.UnitPrice, &l.TaxRate, &l.Subtotal, &l.HasTax); err != nil {
			return nil, fmt.Errorf("scan invoice line: %w", err)
		}
		list = append(list, &l)
	}
	return list, rows.Err()
}

// FindLastSent devuelve la última factura ya entregada a la AEAT del mismo
// emisor, excluyendo excludeID. nil sin error cuando no hay predecesora.
func (r *InvoiceRepo) FindLastSent(ctx context.Context, companyID, excludeID string) (*entity.Invoice, error) {
	query := `SELECT` + invoiceColumns + `
		FROM invoices
		WHERE company_id = $1 AND verifactu_sent = true AND id <> $2
		ORDER BY verifactu_sent_date DESC
		LIMIT 1`
	inv, err := r.scanInvoice(r.q.QueryRow(ctx, query, companyID, excludeID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find last sent invoice: %w", err)
	}
	return inv, nil
}

func (r *InvoiceRepo) scanInvoice(row interface{ Scan(dest ...any) error }) (*entity.Invoice, error) {
	var inv entity.Invoice
	err := row.Scan(
		&inv.ID, &inv.CompanyID, &inv.CustomerID, &inv.Number, &inv.Date,
		&inv.NetTotal, &inv.TaxTotal, &inv.GrandTotal,
		&inv.VeriFactuState, &inv.VeriFactuHash, &inv.VeriFactuSent, &inv.VeriFactuSentDate,
		&inv.VeriFactuCSV, &inv.VeriFactuResponse, &inv.VeriFactuXML,
		&inv.QRData, &inv.Subsanacion, &inv.RechazoPrevio,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
