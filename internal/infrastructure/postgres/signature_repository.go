package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/domain/repository"
)

var _ repository.SignatureRepository = (*SignatureRepo)(nil)

// SignatureRepo implementación de SignatureRepository sobre PostgreSQL.
type SignatureRepo struct {
	q Querier
}

// NewSignatureRepository construye el adaptador. Pasar pool o tx (Querier).
func NewSignatureRepository(q Querier) *SignatureRepo {
	return &SignatureRepo{q: q}
}

// Save inserta o reemplaza el registro de firma de la factura. El upsert es
// una sola sentencia: un refirmado nunca deja componentes mezclados de dos firmas.
func (r *SignatureRepo) Save(ctx context.Context, sig *entity.SignatureRecord) error {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	query := `
		INSERT INTO invoice_signatures (id, invoice_id, signature_value, signature_date,
		                                x509_certificate, digest_value, signature_algorithm,
		                                signed_info, reference_uri, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (invoice_id) DO UPDATE SET
		    signature_value     = EXCLUDED.signature_value,
		    signature_date      = EXCLUDED.signature_date,
		    x509_certificate    = EXCLUDED.x509_certificate,
		    digest_value        = EXCLUDED.digest_value,
		    signature_algorithm = EXCLUDED.signature_algorithm,
		    signed_info         = EXCLUDED.signed_info,
		    reference_uri       = EXCLUDED.reference_uri`
	_, err := r.q.Exec(ctx, query,
		sig.ID, sig.InvoiceID, sig.SignatureValue, sig.SignatureDate,
		sig.X509Certificate, sig.DigestValue, sig.SignatureAlgorithm,
		sig.SignedInfo, sig.ReferenceURI, sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save signature: %w", err)
	}
	return nil
}

// GetByInvoiceID obtiene el registro de firma de una factura. nil sin error si no hay.
func (r *SignatureRepo) GetByInvoiceID(ctx context.Context, invoiceID string) (*entity.SignatureRecord, error) {
	query := `
		SELECT id, invoice_id, signature_value, signature_date,
		       x509_certificate, digest_value, signature_algorithm,
		       signed_info, COALESCE(reference_uri, ''), created_at
		FROM invoice_signatures WHERE invoice_id = $1`
	var s entity.SignatureRecord
	err := r.q.QueryRow(ctx, query, invoiceID).Scan(
		&s.ID, &s.InvoiceID, &s.SignatureValue, &s.SignatureDate,
		&s.X509Certificate, &s.DigestValue, &s.SignatureAlgorithm,
		&s.SignedInfo, &s.ReferenceURI, &s.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get signature: %w", err)
	}
	return &s, nil
}
