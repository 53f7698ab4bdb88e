package entity

import "time"

// SignatureRecord guarda los componentes extraídos de la firma XML-DSig de un
// registro VeriFactu. Uno por factura en la práctica; se crea en el primer
// intento de firma y se sobrescribe completo en cada refirmado (todo o nada:
// un intento fallido no deja componentes parciales).
type SignatureRecord struct {
	ID                 string
	InvoiceID          string
	SignatureValue     string    // ds:SignatureValue en Base64
	SignatureDate      time.Time // Momento de la firma
	X509Certificate    string    // Certificado del firmante, Base64 sin saltos de línea
	DigestValue        string    // ds:DigestValue de la referencia
	SignatureAlgorithm string    // Identificador del algoritmo (rsa-sha256)
	SignedInfo         string    // Bloque ds:SignedInfo serializado
	ReferenceURI       string    // URI de la referencia usada ("" = documento completo)
	CreatedAt          time.Time
}
