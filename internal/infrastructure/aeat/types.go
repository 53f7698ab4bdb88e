// Package aeat implementa la generación del registro de facturación VeriFactu
// (documento canónico SOAP), la validación de esquema, y la entrega al web
// service de la AEAT con autenticación mutua por certificado.
package aeat

import (
	"time"

	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/domain/verifactu"
)

// Namespaces oficiales del WS VeriFactu (contrato publicado por la AEAT).
const (
	// Envelope SOAP 1.1
	NsSoapEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	// SuministroLR.xsd (operaciones del suministro)
	NsSum = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroLR.xsd"
	// SuministroInformacion.xsd (tipos del registro de facturación)
	NsSum1 = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroInformacion.xsd"
	// RespuestaSuministro.xsd (respuesta del WS)
	NsResp = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/RespuestaSuministro.xsd"
	// XML Schema Instance (para schemaLocation)
	nsXsi = "http://www.w3.org/2001/XMLSchema-instance"
)

// Valores fijos de catálogo del registro de alta (L1, L8, L9 del anexo AEAT).
const (
	// IDVersion del esquema de suministro
	IDVersion = "1.0"
	// TipoFacturaF1: factura completa de venta
	TipoFacturaF1 = "F1"
	// ClaveRegimenGeneral: régimen general del IVA
	ClaveRegimenGeneral = "01"
	// CalificacionSujetaNoExenta: operación sujeta y no exenta
	CalificacionSujetaNoExenta = "S1"
	// FlagSubsanacion marca el registro como subsanación de uno previo.
	FlagSubsanacion = "S"
	// FlagRechazoPrevio marca que hubo un rechazo previo del registro.
	FlagRechazoPrevio = "X"

	// DescripcionOperacion: máximo de líneas concatenadas y longitud total.
	maxDescriptionLines = 3
	maxDescriptionLen   = 500
)

// Metadatos fijos del sistema informático declarado ante la AEAT.
const (
	SistemaVersion         = "1.0.03"
	SoloVerifactuNo        = "N"
	MultiObligadosSi       = "S"
	IndicadorMultiplesOTSi = "S"
	defaultSystemName      = "VeriFactu API"
	defaultSystemID        = "VA"
)

// SystemInfo identifica el sistema informático de facturación en el bloque
// SistemaInformatico del registro. El NIF es el del obligado a la emisión.
type SystemInfo struct {
	Vendor       string // NombreRazon del productor del software
	VAT          string // NIF declarado del sistema
	Name         string // NombreSistemaInformatico
	ID           string // IdSistemaInformatico (código corto)
	Version      string // Versión del software
	Installation string // NumeroInstalacion de esta instancia
}

// DefaultSystemInfo construye los metadatos del sistema para un emisor.
func DefaultSystemInfo(issuerVAT, installation string) SystemInfo {
	return SystemInfo{
		Vendor:       defaultSystemName,
		VAT:          issuerVAT,
		Name:         defaultSystemName,
		ID:           defaultSystemID,
		Version:      SistemaVersion,
		Installation: installation,
	}
}

// RecordBuildContext contiene todos los datos necesarios para construir el
// registro de facturación: factura, emisor, destinatario, líneas, eslabón
// anterior de la cadena, huella ya calculada y momento de generación.
type RecordBuildContext struct {
	Invoice  *entity.Invoice
	Company  *entity.Company
	Customer *entity.Customer
	Lines    []*entity.InvoiceLine

	Chain       verifactu.ChainLink // Registro anterior (o centinela INITIAL)
	Huella      string              // Huella SHA-256 del registro actual
	GeneratedAt time.Time           // Fija FechaHoraHusoGenRegistro; debe ser el mismo instante usado en la huella
	System      SystemInfo
}

// TaxDetail es una entrada DetalleDesglose ya formateada (2 decimales,
// redondeo half-up). Una por combinación línea e impuesto.
type TaxDetail struct {
	ClaveRegimen          string `json:"ClaveRegimen"`
	CalificacionOperacion string `json:"CalificacionOperacion"`
	TipoImpositivo        string `json:"TipoImpositivo"`
	BaseImponible         string `json:"BaseImponibleOimporteNoSujeto"`
	CuotaRepercutida      string `json:"CuotaRepercutida"`
}

// ChainRef referencia al registro anterior dentro del bloque Encadenamiento.
type ChainRef struct {
	IDEmisorFactura        string `json:"IDEmisorFactura"`
	NumSerieFactura        string `json:"NumSerieFactura"`
	FechaExpedicionFactura string `json:"FechaExpedicionFactura"`
	Huella                 string `json:"Huella"`
}

// RecordPayload es el contenido canónico del registro de alta, ya normalizado
// y con todos los importes formateados. Es la única derivación de campos del
// sistema: tanto el XML del envelope como el export JSON se generan desde
// esta estructura, nunca desde la factura directamente.
type RecordPayload struct {
	// Cabecera / ObligadoEmision
	ObligadoNombre string
	ObligadoNIF    string

	// IDFactura
	IDEmisorFactura        string
	NumSerieFactura        string
	FechaExpedicionFactura string // DD-MM-YYYY

	NombreRazonEmisor string
	Subsanacion       bool
	RechazoPrevio     bool
	TipoFactura       string
	Descripcion       string

	DestinatarioNombre string
	DestinatarioNIF    string

	Desglose     []TaxDetail
	CuotaTotal   string
	ImporteTotal string

	Encadenamiento ChainRef
	Sistema        SystemInfo

	FechaHoraGen string // YYYY-MM-DDTHH:MM:SS+01:00
	TipoHuella   string
	Huella       string
}
