package aeat

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/domain/verifactu"
)

// RecordBuilderService construye el registro de facturación VeriFactu:
// primero deriva el RecordPayload canónico y desde él genera el envelope
// SOAP (para firmar y enviar) o el JSON (para descarga).
type RecordBuilderService struct{}

// NewRecordBuilderService crea el servicio.
func NewRecordBuilderService() *RecordBuilderService {
	return &RecordBuilderService{}
}

// BuildPayload deriva el contenido canónico del registro desde el contexto.
// Valida la factura, normaliza los NIF y formatea todos los importes a dos
// decimales con redondeo half-up. Falla antes de generar nada si la factura
// no tiene líneas con impuesto.
func (s *RecordBuilderService) BuildPayload(ctx *RecordBuildContext) (*RecordPayload, error) {
	if ctx == nil || ctx.Invoice == nil || ctx.Company == nil || ctx.Customer == nil {
		return nil, fmt.Errorf("aeat: faltan invoice, company o customer en el contexto")
	}
	if ctx.GeneratedAt.IsZero() {
		return nil, fmt.Errorf("aeat: falta el momento de generación del registro")
	}

	if err := verifactu.ValidateForSubmission(ctx.Invoice, ctx.Lines, ctx.Company.VAT, ctx.Customer.TaxID); err != nil {
		return nil, err
	}

	issuerVAT, err := verifactu.NormalizeIssuerVAT(ctx.Company.VAT)
	if err != nil {
		return nil, err
	}
	recipientVAT, err := verifactu.NormalizeVAT(ctx.Customer.TaxID)
	if err != nil {
		return nil, err
	}

	desglose, cuotaTotal, baseTotal := buildDesglose(ctx.Lines)

	chain := ctx.Chain
	if chain.Huella == "" {
		chain = verifactu.InitialChainLink(issuerVAT, ctx.Invoice.Date)
	}

	system := ctx.System
	if system.VAT == "" {
		system.VAT = issuerVAT
	}

	p := &RecordPayload{
		ObligadoNombre: ctx.Company.Name,
		ObligadoNIF:    issuerVAT,

		IDEmisorFactura:        issuerVAT,
		NumSerieFactura:        ctx.Invoice.Number,
		FechaExpedicionFactura: ctx.Invoice.Date.Format("02-01-2006"),

		NombreRazonEmisor: ctx.Company.Name,
		Subsanacion:       ctx.Invoice.Subsanacion,
		RechazoPrevio:     ctx.Invoice.RechazoPrevio,
		TipoFactura:       TipoFacturaF1,
		Descripcion:       buildDescription(ctx.Lines),

		DestinatarioNombre: ctx.Customer.Name,
		DestinatarioNIF:    recipientVAT,

		Desglose:     desglose,
		CuotaTotal:   cuotaTotal.Round(2).StringFixed(2),
		ImporteTotal: baseTotal.Add(cuotaTotal).Round(2).StringFixed(2),

		Encadenamiento: ChainRef{
			IDEmisorFactura:        chain.IssuerVAT,
			NumSerieFactura:        chain.NumSerie,
			FechaExpedicionFactura: chain.IssueDate.Format("02-01-2006"),
			Huella:                 chain.Huella,
		},
		Sistema: system,

		// Huso horario peninsular fijo, requerido por el esquema.
		FechaHoraGen: ctx.GeneratedAt.Format("2006-01-02T15:04:05") + "+01:00",
		TipoHuella:   verifactu.TipoHuella,
		Huella:       ctx.Huella,
	}
	return p, nil
}

// Build genera el envelope SOAP completo listo para firmar.
func (s *RecordBuilderService) Build(ctx *RecordBuildContext) ([]byte, error) {
	p, err := s.BuildPayload(ctx)
	if err != nil {
		return nil, err
	}
	return s.BuildXML(p)
}

// buildDescription concatena las descripciones de las tres primeras líneas,
// separadas por coma, y trunca a 500 caracteres.
func buildDescription(lines []*entity.InvoiceLine) string {
	parts := make([]string, 0, maxDescriptionLines)
	for _, l := range lines {
		if len(parts) == maxDescriptionLines {
			break
		}
		if l == nil {
			continue
		}
		parts = append(parts, l.Description)
	}
	desc := strings.Join(parts, ", ")
	if desc == "" {
		desc = "Factura de venta"
	}
	// El truncado es por caracteres, no por bytes: un corte a mitad de una
	// vocal acentuada dejaría U+FFFD en el XML.
	if r := []rune(desc); len(r) > maxDescriptionLen {
		desc = string(r[:maxDescriptionLen])
	}
	return desc
}

// buildDesglose genera una entrada DetalleDesglose por cada línea con
// impuesto y devuelve además la cuota y la base acumuladas.
func buildDesglose(lines []*entity.InvoiceLine) ([]TaxDetail, decimal.Decimal, decimal.Decimal) {
	var details []TaxDetail
	cuotaTotal := decimal.Zero
	baseTotal := decimal.Zero

	for _, l := range lines {
		if l == nil {
			continue
		}
		baseTotal = baseTotal.Add(l.Subtotal)
		if !l.HasTax {
			continue
		}
		cuota := l.Subtotal.Mul(l.TaxRate).Div(decimal.NewFromInt(100)).Round(2)
		cuotaTotal = cuotaTotal.Add(cuota)

		details = append(details, TaxDetail{
			ClaveRegimen:          ClaveRegimenGeneral,
			CalificacionOperacion: CalificacionSujetaNoExenta,
			TipoImpositivo:        l.TaxRate.Round(2).StringFixed(2),
			BaseImponible:         l.Subtotal.Round(2).StringFixed(2),
			CuotaRepercutida:      cuota.StringFixed(2),
		})
	}
	return details, cuotaTotal, baseTotal
}

// ── Serialización XML ─────────────────────────────────────────────────────────

// BuildXML serializa el payload como envelope SOAP con los namespaces y el
// orden de elementos exactos del contrato AEAT. Salida determinista: mismo
// payload, mismos bytes. El escapado de texto lo hace el encoder.
func (s *RecordBuilderService) BuildXML(p *RecordPayload) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	root := start("soapenv:Envelope",
		attr("xmlns:soapenv", NsSoapEnv),
		attr("xmlns:sum", NsSum),
		attr("xmlns:sum1", NsSum1),
		attr("xmlns:xsi", nsXsi),
	)
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}

	writeEmpty(enc, "soapenv:Header")
	open(enc, "soapenv:Body")
	open(enc, "sum:RegFactuSistemaFacturacion")

	// ---- Cabecera con el obligado a la emisión
	open(enc, "sum:Cabecera")
	open(enc, "sum1:ObligadoEmision")
	write(enc, "sum1:NombreRazon", p.ObligadoNombre)
	write(enc, "sum1:NIF", p.ObligadoNIF)
	closeEl(enc, "sum1:ObligadoEmision")
	closeEl(enc, "sum:Cabecera")

	// ---- RegistroAlta
	open(enc, "sum:RegistroFactura")
	open(enc, "sum1:RegistroAlta")
	write(enc, "sum1:IDVersion", IDVersion)

	open(enc, "sum1:IDFactura")
	write(enc, "sum1:IDEmisorFactura", p.IDEmisorFactura)
	write(enc, "sum1:NumSerieFactura", p.NumSerieFactura)
	write(enc, "sum1:FechaExpedicionFactura", p.FechaExpedicionFactura)
	closeEl(enc, "sum1:IDFactura")

	write(enc, "sum1:NombreRazonEmisor", p.NombreRazonEmisor)
	// Flags opcionales: se omiten por completo cuando no aplican.
	if p.Subsanacion {
		write(enc, "sum1:Subsanacion", FlagSubsanacion)
	}
	if p.RechazoPrevio {
		write(enc, "sum1:RechazoPrevio", FlagRechazoPrevio)
	}
	write(enc, "sum1:TipoFactura", p.TipoFactura)
	write(enc, "sum1:DescripcionOperacion", p.Descripcion)

	open(enc, "sum1:Destinatarios")
	open(enc, "sum1:IDDestinatario")
	write(enc, "sum1:NombreRazon", p.DestinatarioNombre)
	write(enc, "sum1:NIF", p.DestinatarioNIF)
	closeEl(enc, "sum1:IDDestinatario")
	closeEl(enc, "sum1:Destinatarios")

	open(enc, "sum1:Desglose")
	for _, d := range p.Desglose {
		open(enc, "sum1:DetalleDesglose")
		write(enc, "sum1:ClaveRegimen", d.ClaveRegimen)
		write(enc, "sum1:CalificacionOperacion", d.CalificacionOperacion)
		write(enc, "sum1:TipoImpositivo", d.TipoImpositivo)
		write(enc, "sum1:BaseImponibleOimporteNoSujeto", d.BaseImponible)
		write(enc, "sum1:CuotaRepercutida", d.CuotaRepercutida)
		closeEl(enc, "sum1:DetalleDesglose")
	}
	closeEl(enc, "sum1:Desglose")

	write(enc, "sum1:CuotaTotal", p.CuotaTotal)
	write(enc, "sum1:ImporteTotal", p.ImporteTotal)

	open(enc, "sum1:Encadenamiento")
	open(enc, "sum1:RegistroAnterior")
	write(enc, "sum1:IDEmisorFactura", p.Encadenamiento.IDEmisorFactura)
	write(enc, "sum1:NumSerieFactura", p.Encadenamiento.NumSerieFactura)
	write(enc, "sum1:FechaExpedicionFactura", p.Encadenamiento.FechaExpedicionFactura)
	write(enc, "sum1:Huella", p.Encadenamiento.Huella)
	closeEl(enc, "sum1:RegistroAnterior")
	closeEl(enc, "sum1:Encadenamiento")

	open(enc, "sum1:SistemaInformatico")
	write(enc, "sum1:NombreRazon", p.Sistema.Vendor)
	write(enc, "sum1:NIF", p.Sistema.VAT)
	write(enc, "sum1:NombreSistemaInformatico", p.Sistema.Name)
	write(enc, "sum1:IdSistemaInformatico", p.Sistema.ID)
	write(enc, "sum1:Version", p.Sistema.Version)
	write(enc, "sum1:NumeroInstalacion", p.Sistema.Installation)
	write(enc, "sum1:TipoUsoPosibleSoloVerifactu", SoloVerifactuNo)
	write(enc, "sum1:TipoUsoPosibleMultiOT", MultiObligadosSi)
	write(enc, "sum1:IndicadorMultiplesOT", IndicadorMultiplesOTSi)
	closeEl(enc, "sum1:SistemaInformatico")

	write(enc, "sum1:FechaHoraHusoGenRegistro", p.FechaHoraGen)
	write(enc, "sum1:TipoHuella", p.TipoHuella)
	write(enc, "sum1:Huella", p.Huella)

	closeEl(enc, "sum1:RegistroAlta")
	closeEl(enc, "sum:RegistroFactura")
	closeEl(enc, "sum:RegFactuSistemaFacturacion")
	closeEl(enc, "soapenv:Body")

	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func start(name string, attrs ...xml.Attr) xml.StartElement {
	return xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func open(enc *xml.Encoder, name string) {
	_ = enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: name}})
}

func closeEl(enc *xml.Encoder, name string) {
	_ = enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}})
}

func write(enc *xml.Encoder, name, value string) {
	open(enc, name)
	_ = enc.EncodeToken(xml.CharData(value))
	closeEl(enc, name)
}

func writeEmpty(enc *xml.Encoder, name string) {
	open(enc, name)
	closeEl(enc, name)
}

// ── Serialización JSON ────────────────────────────────────────────────────────

type jsonRegistroAlta struct {
	IDVersion         string        `json:"IDVersion"`
	IDFactura         jsonIDFactura `json:"IDFactura"`
	NombreRazonEmisor string        `json:"NombreRazonEmisor"`
	Subsanacion       string        `json:"Subsanacion,omitempty"`
	RechazoPrevio     string        `json:"RechazoPrevio,omitempty"`
	TipoFactura       string        `json:"TipoFactura"`
	Descripcion       string        `json:"DescripcionOperacion"`
	Destinatarios     jsonDestinos  `json:"Destinatarios"`
	Desglose          []TaxDetail   `json:"Desglose"`
	CuotaTotal        string        `json:"CuotaTotal"`
	ImporteTotal      string        `json:"ImporteTotal"`
	Encadenamiento    jsonEncaden   `json:"Encadenamiento"`
	Sistema           jsonSistema   `json:"SistemaInformatico"`
	FechaHoraGen      string        `json:"FechaHoraHusoGenRegistro"`
	TipoHuella        string        `json:"TipoHuella"`
	Huella            string        `json:"Huella"`
}

type jsonIDFactura struct {
	IDEmisorFactura        string `json:"IDEmisorFactura"`
	NumSerieFactura        string `json:"NumSerieFactura"`
	FechaExpedicionFactura string `json:"FechaExpedicionFactura"`
}

type jsonParte struct {
	NombreRazon string `json:"NombreRazon"`
	NIF         string `json:"NIF"`
}

type jsonDestinos struct {
	IDDestinatario jsonParte `json:"IDDestinatario"`
}

type jsonEncaden struct {
	RegistroAnterior ChainRef `json:"RegistroAnterior"`
}

type jsonSistema struct {
	NombreRazon                 string `json:"NombreRazon"`
	NIF                         string `json:"NIF"`
	NombreSistemaInformatico    string `json:"NombreSistemaInformatico"`
	IdSistemaInformatico        string `json:"IdSistemaInformatico"`
	Version                     string `json:"Version"`
	NumeroInstalacion           string `json:"NumeroInstalacion"`
	TipoUsoPosibleSoloVerifactu string `json:"TipoUsoPosibleSoloVerifactu"`
	TipoUsoPosibleMultiOT       string `json:"TipoUsoPosibleMultiOT"`
	IndicadorMultiplesOT        string `json:"IndicadorMultiplesOT"`
}

type jsonSuministro struct {
	Cabecera struct {
		ObligadoEmision jsonParte `json:"ObligadoEmision"`
	} `json:"Cabecera"`
	RegistroFactura struct {
		RegistroAlta jsonRegistroAlta `json:"RegistroAlta"`
	} `json:"RegistroFactura"`
}

// BuildJSON serializa el payload en el formato JSON compatible con el esquema
// VeriFactu, para el endpoint de descarga. Mismos valores que el XML: ambos
// salen del mismo RecordPayload.
func (s *RecordBuilderService) BuildJSON(p *RecordPayload) ([]byte, error) {
	var out jsonSuministro
	out.Cabecera.ObligadoEmision = jsonParte{NombreRazon: p.ObligadoNombre, NIF: p.ObligadoNIF}

	alta := jsonRegistroAlta{
		IDVersion: IDVersion,
		IDFactura: jsonIDFactura{
			IDEmisorFactura:        p.IDEmisorFactura,
			NumSerieFactura:        p.NumSerieFactura,
			FechaExpedicionFactura: p.FechaExpedicionFactura,
		},
		NombreRazonEmisor: p.NombreRazonEmisor,
		TipoFactura:       p.TipoFactura,
		Descripcion:       p.Descripcion,
		Destinatarios: jsonDestinos{
			IDDestinatario: jsonParte{NombreRazon: p.DestinatarioNombre, NIF: p.DestinatarioNIF},
		},
		Desglose:       p.Desglose,
		CuotaTotal:     p.CuotaTotal,
		ImporteTotal:   p.ImporteTotal,
		Encadenamiento: jsonEncaden{RegistroAnterior: p.Encadenamiento},
		Sistema: jsonSistema{
			NombreRazon:                 p.Sistema.Vendor,
			NIF:                         p.Sistema.VAT,
			NombreSistemaInformatico:    p.Sistema.Name,
			IdSistemaInformatico:        p.Sistema.ID,
			Version:                     p.Sistema.Version,
			NumeroInstalacion:           p.Sistema.Installation,
			TipoUsoPosibleSoloVerifactu: SoloVerifactuNo,
			TipoUsoPosibleMultiOT:       MultiObligadosSi,
			IndicadorMultiplesOT:        IndicadorMultiplesOTSi,
		},
		FechaHoraGen: p.FechaHoraGen,
		TipoHuella:   p.TipoHuella,
		Huella:       p.Huella,
	}
	if p.Subsanacion {
		alta.Subsanacion = FlagSubsanacion
	}
	if p.RechazoPrevio {
		alta.RechazoPrevio = FlagRechazoPrevio
	}
	out.RegistroFactura.RegistroAlta = alta

	return json.MarshalIndent(out, "", "  ")
}
