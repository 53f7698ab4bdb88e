package entity

import "time"

// Company representa la empresa emisora (obligado a la emisión VeriFactu).
// El certificado y la clave privada se guardan en PEM, como en los ajustes
// de empresa del módulo de facturación; son de solo lectura para el motor.
type Company struct {
	ID           string
	Name         string
	VAT          string // NIF/CIF español, con o sin prefijo ES
	Address      string
	Email        string
	CertPEM      string // Certificado X.509 en PEM para firmar y para mTLS
	KeyPEM       string // Clave privada en PEM (opcionalmente cifrada)
	KeyPassword  string // Contraseña de la clave privada, si la tiene
	Installation string // Número de instalación declarado en SistemaInformatico
	Status       string // active, suspended, inactive
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Customer es el destinatario de la factura.
type Customer struct {
	ID        string
	CompanyID string
	Name      string
	TaxID     string // NIF del cliente
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
