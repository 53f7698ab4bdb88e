package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jhoicas/verifactu-api/internal/domain"
	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/domain/repository"
	"github.com/jhoicas/verifactu-api/internal/domain/verifactu"
	"github.com/jhoicas/verifactu-api/internal/infrastructure/aeat"
	"github.com/jhoicas/verifactu-api/internal/infrastructure/aeat/signer"
	"github.com/jhoicas/verifactu-api/pkg/logger"
	pkgverifactu "github.com/jhoicas/verifactu-api/pkg/verifactu"
)

// VeriFactuConfig parámetros del caso de uso de envío a la AEAT.
type VeriFactuConfig struct {
	TestMode     bool   // true = endpoint de pruebas de la AEAT
	BaseURL      string // Base de las URLs de verificación del QR
	SystemName   string // NombreSistemaInformatico (vacío = valor por defecto)
	SystemID     string // IdSistemaInformatico (vacío = valor por defecto)
	Installation string // NumeroInstalacion si la empresa no declara uno

	// Identidad por defecto del desplegador, extraída del contenedor .p12
	// configurado. Se usa cuando la empresa no tiene su propio par PEM.
	DefaultCertPEM string
	DefaultKeyPEM  string
}

// VeriFactuOrchestrator orquesta el ciclo completo de alta VeriFactu:
//
//	Encadenamiento → Huella → XML canónico → Firma → Validación → Envío SOAP → Update DB
//
// El tramo que lee la última factura enviada, calcula la huella y entrega el
// registro se ejecuta bajo un mutex por emisor: dos envíos concurrentes del
// mismo NIF siempre producen una cadena lineal, nunca dos registros apuntando
// al mismo predecesor. Emisores distintos no se bloquean entre sí.
type VeriFactuOrchestrator struct {
	invoiceRepo   repository.InvoiceRepository
	companyRepo   repository.CompanyRepository
	customerRepo  repository.CustomerRepository
	signatureRepo repository.SignatureRepository
	builder       *aeat.RecordBuilderService
	signer        *signer.DigitalSignatureService
	validator     *aeat.SchemaValidator
	submitter     aeat.Submitter
	cfg           VeriFactuConfig
	log           *logger.Logger

	mu          sync.Mutex
	issuerLocks map[string]*sync.Mutex
}

// NewVeriFactuOrchestrator construye el orquestador con todas sus dependencias.
func NewVeriFactuOrchestrator(
	invoiceRepo repository.InvoiceRepository,
	companyRepo repository.CompanyRepository,
	customerRepo repository.CustomerRepository,
	signatureRepo repository.SignatureRepository,
	builder *aeat.RecordBuilderService,
	sigService *signer.DigitalSignatureService,
	validator *aeat.SchemaValidator,
	submitter aeat.Submitter,
	cfg VeriFactuConfig,
	log *logger.Logger,
) *VeriFactuOrchestrator {
	return &VeriFactuOrchestrator{
		invoiceRepo:   invoiceRepo,
		companyRepo:   companyRepo,
		customerRepo:  customerRepo,
		signatureRepo: signatureRepo,
		builder:       builder,
		signer:        sigService,
		validator:     validator,
		submitter:     submitter,
		cfg:           cfg,
		log:           log,
		issuerLocks:   make(map[string]*sync.Mutex),
	}
}

// issuerLock devuelve el mutex del emisor, creándolo la primera vez.
func (o *VeriFactuOrchestrator) issuerLock(companyID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.issuerLocks[companyID]
	if !ok {
		l = &sync.Mutex{}
		o.issuerLocks[companyID] = l
	}
	return l
}

// Send ejecuta el envío de la factura a la AEAT y devuelve la factura con su
// estado actualizado. Reglas de reenvío:
//
//	accepted, partially_accepted -> ErrAlreadyAccepted, sin llamada de red
//	sent                         -> ErrConflict (respuesta aún en proceso)
//	draft, rejected, error       -> se (re)envía
//
// Un fallo de transporte deja la factura en estado error con el mensaje
// clasificado; no es un error del caso de uso.
func (o *VeriFactuOrchestrator) Send(ctx context.Context, invoiceID string) (*entity.Invoice, error) {
	inv, err := o.invoiceRepo.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("verifactu: obtener factura: %w", err)
	}
	if inv == nil {
		return nil, domain.ErrNotFound
	}

	switch inv.VeriFactuState {
	case entity.VeriFactuStateAccepted, entity.VeriFactuStatePartiallyAccepted:
		return nil, domain.ErrAlreadyAccepted
	}
	if !inv.Retriable() {
		return nil, domain.ErrConflict
	}

	company, err := o.companyRepo.GetByID(ctx, inv.CompanyID)
	if err != nil || company == nil {
		return nil, fmt.Errorf("verifactu: emisor %s no encontrado: %w", inv.CompanyID, errOr(err, domain.ErrNotFound))
	}
	customer, err := o.customerRepo.GetByID(ctx, inv.CustomerID)
	if err != nil || customer == nil {
		return nil, fmt.Errorf("verifactu: destinatario %s no encontrado: %w", inv.CustomerID, errOr(err, domain.ErrNotFound))
	}
	lines, err := o.invoiceRepo.GetLinesByInvoiceID(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("verifactu: obtener líneas: %w", err)
	}

	issuerVAT, err := verifactu.NormalizeIssuerVAT(company.VAT)
	if err != nil {
		return nil, fmt.Errorf("verifactu: NIF del emisor: %w", err)
	}
	recipientVAT, err := verifactu.NormalizeVAT(customer.TaxID)
	if err != nil {
		return nil, fmt.Errorf("verifactu: NIF del destinatario: %w", err)
	}

	if err := verifactu.ValidateForSubmission(inv, lines, issuerVAT, recipientVAT); err != nil {
		return nil, err
	}

	// markError deja la factura en estado error con el detalle; el material
	// ya generado (huella, XML) se conserva para diagnóstico.
	markError := func(step, msg string) {
		inv.VeriFactuState = entity.VeriFactuStateError
		inv.VeriFactuResponse = msg
		inv.UpdatedAt = time.Now()
		if uErr := o.invoiceRepo.UpdateVeriFactu(ctx, inv); uErr != nil {
			o.log.Error().Str("invoice_id", invoiceID).Err(uErr).Msg("no se pudo persistir el estado error")
		}
		o.log.Error().Str("invoice_id", invoiceID).Str("step", step).Msg(msg)
	}

	// Sección crítica por emisor: del eslabón anterior hasta la entrega.
	lock := o.issuerLock(inv.CompanyID)
	lock.Lock()
	defer lock.Unlock()

	chain, err := o.previousLink(ctx, inv, issuerVAT)
	if err != nil {
		return nil, err
	}

	generatedAt := time.Now()
	huella, err := verifactu.CalculateHuella(verifactu.HuellaParams{
		Number:       inv.Number,
		IssueDate:    inv.Date,
		IssuerVAT:    issuerVAT,
		RecipientVAT: recipientVAT,
		Total:        inv.GrandTotal,
		Timestamp:    generatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("verifactu: huella: %w", err)
	}

	system := aeat.DefaultSystemInfo(issuerVAT, o.installationFor(company))
	if o.cfg.SystemName != "" {
		system.Vendor = o.cfg.SystemName
		system.Name = o.cfg.SystemName
	}
	if o.cfg.SystemID != "" {
		system.ID = o.cfg.SystemID
	}

	payload, err := o.builder.BuildPayload(&aeat.RecordBuildContext{
		Invoice:     inv,
		Company:     company,
		Customer:    customer,
		Lines:       lines,
		Chain:       chain,
		Huella:      huella,
		GeneratedAt: generatedAt,
		System:      system,
	})
	if err != nil {
		return nil, fmt.Errorf("verifactu: construir registro: %w", err)
	}
	xmlBytes, err := o.builder.BuildXML(payload)
	if err != nil {
		return nil, fmt.Errorf("verifactu: serializar registro: %w", err)
	}

	certPEM, keyPEM, keyPassword := o.credentialsFor(company)
	signed, err := o.signer.Sign(xmlBytes, certPEM, keyPEM, keyPassword, "")
	if err != nil {
		markError("firma", fmt.Sprintf("Error al firmar el registro: %v", err))
		return inv, nil
	}

	inv.VeriFactuHash = huella
	inv.VeriFactuXML = string(signed.XML)
	inv.QRData = pkgverifactu.ScanURL(o.cfg.BaseURL, huella)

	// El registro de firma se persiste antes de la entrega: si el transporte
	// falla después, los componentes de la firma quedan disponibles.
	if err := o.saveSignature(ctx, invoiceID, signed); err != nil {
		markError("firma", fmt.Sprintf("No se pudo guardar el registro de firma: %v", err))
		return inv, nil
	}

	// La validación de esquema es obligatoria: sin validador o sin esquema
	// disponible el registro no sale hacia la AEAT.
	if o.validator == nil {
		markError("esquema", "Validación de esquema no configurada; el registro no se envía")
		return inv, nil
	}
	if vErr := o.validator.Validate(signed.XML); vErr != nil {
		var violation *aeat.SchemaViolationError
		switch {
		case errors.As(vErr, &violation):
			markError("esquema", "El registro no supera la validación de esquema: "+violation.Error())
		case errors.Is(vErr, aeat.ErrSchemaUnavailable):
			markError("esquema", fmt.Sprintf("Esquema de validación no disponible; el registro no se envía: %v", vErr))
		default:
			markError("esquema", fmt.Sprintf("Error validando el registro: %v", vErr))
		}
		return inv, nil
	}

	result, err := o.submitter.Submit(ctx, signed.XML, certPEM, keyPEM, o.cfg.TestMode)
	if err != nil {
		markError("soap", fmt.Sprintf("Error entregando el registro: %v", err))
		return inv, nil
	}
	if !result.Success {
		o.log.Warn().Str("invoice_id", invoiceID).Int("status", result.StatusCode).Msg(result.Error)
		inv.VeriFactuState = entity.VeriFactuStateError
		inv.VeriFactuResponse = result.Error
		inv.UpdatedAt = time.Now()
		if uErr := o.invoiceRepo.UpdateVeriFactu(ctx, inv); uErr != nil {
			return nil, fmt.Errorf("verifactu: persistir resultado: %w", uErr)
		}
		return inv, nil
	}

	// Entrega correcta: la factura queda marcada como enviada aunque la AEAT
	// la rechace; el rechazo es un estado de la respuesta, no del transporte.
	parsed := aeat.InterpretResponse(result.Response)
	now := time.Now()
	inv.VeriFactuState = parsed.State
	inv.VeriFactuSent = true
	inv.VeriFactuSentDate = &now
	inv.VeriFactuCSV = parsed.CSV
	inv.VeriFactuResponse = result.Response
	inv.UpdatedAt = now
	if err := o.invoiceRepo.UpdateVeriFactu(ctx, inv); err != nil {
		return nil, fmt.Errorf("verifactu: persistir resultado: %w", err)
	}

	o.log.Info().
		Str("invoice_id", invoiceID).
		Str("estado", parsed.State).
		Str("csv", parsed.CSV).
		Msg("registro entregado a la AEAT")
	return inv, nil
}

// previousLink resuelve el eslabón anterior de la cadena del emisor.
func (o *VeriFactuOrchestrator) previousLink(ctx context.Context, inv *entity.Invoice, issuerVAT string) (verifactu.ChainLink, error) {
	prev, err := o.invoiceRepo.FindLastSent(ctx, inv.CompanyID, inv.ID)
	if err != nil {
		return verifactu.ChainLink{}, fmt.Errorf("verifactu: buscar registro anterior: %w", err)
	}
	if prev == nil || prev.VeriFactuHash == "" {
		return verifactu.InitialChainLink(issuerVAT, inv.Date), nil
	}
	return verifactu.ChainLink{
		IssuerVAT: issuerVAT,
		NumSerie:  prev.Number,
		IssueDate: prev.Date,
		Huella:    prev.VeriFactuHash,
	}, nil
}

// RenderXML devuelve el documento canónico de la factura para descarga. Si la
// factura ya tiene XML persistido (firmado y enviado) se devuelve ese; si no,
// se genera una vista previa sin firmar con los datos actuales.
func (o *VeriFactuOrchestrator) RenderXML(ctx context.Context, invoiceID string) ([]byte, *entity.Invoice, error) {
	inv, payload, err := o.payloadFor(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		return []byte(inv.VeriFactuXML), inv, nil
	}
	data, err := o.builder.BuildXML(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("verifactu: serializar registro: %w", err)
	}
	return data, inv, nil
}

// RenderJSON devuelve el registro en formato JSON, misma derivación de campos
// que el XML.
func (o *VeriFactuOrchestrator) RenderJSON(ctx context.Context, invoiceID string) ([]byte, *entity.Invoice, error) {
	inv, payload, err := o.payloadFor(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		// Reconstruir el payload desde los datos actuales también para el
		// export JSON de facturas ya enviadas.
		payload, err = o.rebuildPayload(ctx, inv)
		if err != nil {
			return nil, nil, err
		}
	}
	data, err := o.builder.BuildJSON(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("verifactu: serializar registro: %w", err)
	}
	return data, inv, nil
}

// payloadFor devuelve la factura y, si no hay XML persistido, el payload de
// vista previa. payload nil significa que inv.VeriFactuXML ya es el documento.
func (o *VeriFactuOrchestrator) payloadFor(ctx context.Context, invoiceID string) (*entity.Invoice, *aeat.RecordPayload, error) {
	inv, err := o.invoiceRepo.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, nil, fmt.Errorf("verifactu: obtener factura: %w", err)
	}
	if inv == nil {
		return nil, nil, domain.ErrNotFound
	}
	if inv.VeriFactuXML != "" {
		return inv, nil, nil
	}
	payload, err := o.rebuildPayload(ctx, inv)
	if err != nil {
		return nil, nil, err
	}
	return inv, payload, nil
}

func (o *VeriFactuOrchestrator) rebuildPayload(ctx context.Context, inv *entity.Invoice) (*aeat.RecordPayload, error) {
	company, err := o.companyRepo.GetByID(ctx, inv.CompanyID)
	if err != nil || company == nil {
		return nil, fmt.Errorf("verifactu: emisor %s no encontrado: %w", inv.CompanyID, errOr(err, domain.ErrNotFound))
	}
	customer, err := o.customerRepo.GetByID(ctx, inv.CustomerID)
	if err != nil || customer == nil {
		return nil, fmt.Errorf("verifactu: destinatario %s no encontrado: %w", inv.CustomerID, errOr(err, domain.ErrNotFound))
	}
	lines, err := o.invoiceRepo.GetLinesByInvoiceID(ctx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("verifactu: obtener líneas: %w", err)
	}
	issuerVAT, err := verifactu.NormalizeIssuerVAT(company.VAT)
	if err != nil {
		return nil, fmt.Errorf("verifactu: NIF del emisor: %w", err)
	}

	huella := inv.VeriFactuHash
	generatedAt := time.Now()
	if huella == "" {
		recipientVAT, vErr := verifactu.NormalizeVAT(customer.TaxID)
		if vErr != nil {
			return nil, fmt.Errorf("verifactu: NIF del destinatario: %w", vErr)
		}
		huella, err = verifactu.CalculateHuella(verifactu.HuellaParams{
			Number:       inv.Number,
			IssueDate:    inv.Date,
			IssuerVAT:    issuerVAT,
			RecipientVAT: recipientVAT,
			Total:        inv.GrandTotal,
			Timestamp:    generatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("verifactu: huella: %w", err)
		}
	}

	chain, err := o.previousLink(ctx, inv, issuerVAT)
	if err != nil {
		return nil, err
	}
	return o.builder.BuildPayload(&aeat.RecordBuildContext{
		Invoice:     inv,
		Company:     company,
		Customer:    customer,
		Lines:       lines,
		Chain:       chain,
		Huella:      huella,
		GeneratedAt: generatedAt,
		System:      aeat.DefaultSystemInfo(issuerVAT, o.installationFor(company)),
	})
}

// credentialsFor devuelve el material criptográfico a usar con la empresa:
// su par PEM propio o, en su defecto, la identidad por defecto del despliegue
// (cargada del .p12 en el arranque, por lo que su clave ya llega descifrada).
func (o *VeriFactuOrchestrator) credentialsFor(company *entity.Company) (certPEM, keyPEM, password string) {
	if company.CertPEM != "" && company.KeyPEM != "" {
		return company.CertPEM, company.KeyPEM, company.KeyPassword
	}
	return o.cfg.DefaultCertPEM, o.cfg.DefaultKeyPEM, ""
}

func (o *VeriFactuOrchestrator) installationFor(company *entity.Company) string {
	if company.Installation != "" {
		return company.Installation
	}
	return o.cfg.Installation
}

func (o *VeriFactuOrchestrator) saveSignature(ctx context.Context, invoiceID string, signed *signer.SignedDocument) error {
	c := signed.Components
	return o.signatureRepo.Save(ctx, &entity.SignatureRecord{
		InvoiceID:          invoiceID,
		SignatureValue:     c.SignatureValue,
		SignatureDate:      c.SigningTime,
		X509Certificate:    c.X509Certificate,
		DigestValue:        c.DigestValue,
		SignatureAlgorithm: c.SignatureAlgorithm,
		SignedInfo:         c.SignedInfo,
		ReferenceURI:       c.ReferenceURI,
		CreatedAt:          time.Now(),
	})
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
