package repository

import (
	"context"

	"github.com/jhoicas/verifactu-api/internal/domain/entity"
)

// InvoiceRepository define el puerto de persistencia para facturas y líneas.
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *entity.Invoice) error
	CreateLine(ctx context.Context, line *entity.InvoiceLine) error
	// UpdateVeriFactu actualiza los campos VeriFactu de la factura:
	// estado, huella, xml, respuesta, csv, qr_data, sent, sent_date.
	UpdateVeriFactu(ctx context.Context, invoice *entity.Invoice) error
	GetByID(ctx context.Context, id string) (*entity.Invoice, error)
	GetByHash(ctx context.Context, hash string) (*entity.Invoice, error)
	GetLinesByInvoiceID(ctx context.Context, invoiceID string) ([]*entity.InvoiceLine, error)
	// FindLastSent devuelve la última factura ya enviada (verifactu_sent=true)
	// del emisor, excluyendo excludeID, ordenada por fecha de envío descendente.
	// nil sin error cuando no existe: el encadenamiento arranca en INITIAL.
	// Debe invocarse dentro de la sección crítica por emisor del orquestador.
	FindLastSent(ctx context.Context, companyID, excludeID string) (*entity.Invoice, error)
}

// CompanyRepository expone lectura de la identidad del emisor
// (certificado, clave y NIF), capacidad estrecha de solo lectura.
type CompanyRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Company, error)
}

// CustomerRepository expone lectura del destinatario.
type CustomerRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Customer, error)
}

// SignatureRepository persiste los componentes de la firma de un registro.
type SignatureRepository interface {
	// Save inserta o reemplaza el registro de firma de la factura en una sola
	// operación: nunca quedan componentes a medias.
	Save(ctx context.Context, sig *entity.SignatureRecord) error
	GetByInvoiceID(ctx context.Context, invoiceID string) (*entity.SignatureRecord, error)
}
