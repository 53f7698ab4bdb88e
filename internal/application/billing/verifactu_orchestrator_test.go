package billing_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/verifactu-api/internal/application/billing"
	"github.com/jhoicas/verifactu-api/internal/domain"
	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/infrastructure/aeat"
	"github.com/jhoicas/verifactu-api/internal/infrastructure/aeat/signer"
	"github.com/jhoicas/verifactu-api/pkg/logger"
)

// ─── dobles de prueba ─────────────────────────────────────────────────────────

type fakeInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[string]*entity.Invoice
	lines    map[string][]*entity.InvoiceLine
	sentSeq  []string // IDs en orden de envío confirmado
}

func newFakeInvoiceRepo() *fakeInvoiceRepo {
	return &fakeInvoiceRepo{
		invoices: make(map[string]*entity.Invoice),
		lines:    make(map[string][]*entity.InvoiceLine),
	}
}

func (r *fakeInvoiceRepo) Create(_ context.Context, inv *entity.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *fakeInvoiceRepo) CreateLine(_ context.Context, line *entity.InvoiceLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[line.InvoiceID] = append(r.lines[line.InvoiceID], line)
	return nil
}

func (r *fakeInvoiceRepo) UpdateVeriFactu(_ context.Context, inv *entity.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.invoices[inv.ID]
	if !ok {
		return fmt.Errorf("factura %s no existe", inv.ID)
	}
	wasSent := stored.VeriFactuSent
	cp := *inv
	r.invoices[inv.ID] = &cp
	if !wasSent && inv.VeriFactuSent {
		r.sentSeq = append(r.sentSeq, inv.ID)
	}
	return nil
}

func (r *fakeInvoiceRepo) GetByID(_ context.Context, id string) (*entity.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (r *fakeInvoiceRepo) GetByHash(_ context.Context, hash string) (*entity.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.VeriFactuHash == hash {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeInvoiceRepo) GetLinesByInvoiceID(_ context.Context, invoiceID string) ([]*entity.InvoiceLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines[invoiceID], nil
}

func (r *fakeInvoiceRepo) FindLastSent(_ context.Context, companyID, excludeID string) (*entity.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sentSeq) - 1; i >= 0; i-- {
		inv := r.invoices[r.sentSeq[i]]
		if inv.CompanyID == companyID && inv.ID != excludeID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

type fakeCompanyRepo struct{ company *entity.Company }

func (r *fakeCompanyRepo) GetByID(_ context.Context, id string) (*entity.Company, error) {
	if r.company != nil && r.company.ID == id {
		return r.company, nil
	}
	return nil, nil
}

type fakeCustomerRepo struct{ customer *entity.Customer }

func (r *fakeCustomerRepo) GetByID(_ context.Context, id string) (*entity.Customer, error) {
	if r.customer != nil && r.customer.ID == id {
		return r.customer, nil
	}
	return nil, nil
}

type fakeSignatureRepo struct {
	mu       sync.Mutex
	saved    map[string]*entity.SignatureRecord
	failWith error
}

func newFakeSignatureRepo() *fakeSignatureRepo {
	return &fakeSignatureRepo{saved: make(map[string]*entity.SignatureRecord)}
}

func (r *fakeSignatureRepo) Save(_ context.Context, sig *entity.SignatureRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.saved[sig.InvoiceID] = sig
	return nil
}

func (r *fakeSignatureRepo) GetByInvoiceID(_ context.Context, invoiceID string) (*entity.SignatureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[invoiceID], nil
}

// fakeSubmitter registra cada entrega y devuelve la respuesta configurada.
type fakeSubmitter struct {
	mu       sync.Mutex
	result   *aeat.SubmitResult
	calls    int32
	payloads []string
}

func (s *fakeSubmitter) Submit(_ context.Context, xmlData []byte, _, _ string, _ bool) (*aeat.SubmitResult, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.payloads = append(s.payloads, string(xmlData))
	s.mu.Unlock()
	cp := *s.result
	return &cp, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func testIdentityPEM(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Emisor Pruebas SL", Country: []string{"ES"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	return certPEM, keyPEM
}

const respuestaAceptada = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Body>
    <tikR:RespuestaRegFactuSistemaFacturacion xmlns:tikR="https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/RespuestaSuministro.xsd">
      <tikR:EstadoEnvio>Aceptado</tikR:EstadoEnvio>
      <tikR:CSV>CSV-TEST-0001</tikR:CSV>
    </tikR:RespuestaRegFactuSistemaFacturacion>
  </env:Body>
</env:Envelope>`

const respuestaRechazada = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Body>
    <tikR:Respuesta xmlns:tikR="https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/RespuestaSuministro.xsd">
      <tikR:EstadoEnvio>Rechazado</tikR:EstadoEnvio>
    </tikR:Respuesta>
  </env:Body>
</env:Envelope>`

const respuestaRechazadaConErrores = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Body>
    <tikR:Respuesta xmlns:tikR="https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/RespuestaSuministro.xsd">
      <tikR:EstadoEnvio>Rechazado</tikR:EstadoEnvio>
      <tikR:RespuestaLinea>
        <tikR:Error>
          <tikR:Codigo>1105</tikR:Codigo>
          <tikR:Descripcion>NIF del destinatario incorrecto</tikR:Descripcion>
        </tikR:Error>
      </tikR:RespuestaLinea>
    </tikR:Respuesta>
  </env:Body>
</env:Envelope>`

// writeSchemaRules deja en disco un recurso de reglas mínimo pero real para
// que los envíos de los tests pasen la validación obligatoria de esquema.
func writeSchemaRules(t *testing.T) string {
	t.Helper()
	const rules = `{
  "rules": [
    {"path": "RegFactuSistemaFacturacion/RegistroFactura/RegistroAlta/IDVersion", "required": true, "type": "string", "enum": ["1.0"]},
    {"path": "RegFactuSistemaFacturacion/RegistroFactura/RegistroAlta/TipoHuella", "required": true, "type": "string", "enum": ["01"]},
    {"path": "RegFactuSistemaFacturacion/RegistroFactura/RegistroAlta/Huella", "required": true, "type": "string", "regex": "^[a-f0-9]{64}$"}
  ]
}`
	path := filepath.Join(t.TempDir(), "registro_alta.rules.json")
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))
	return path
}

type testEnv struct {
	orch      *billing.VeriFactuOrchestrator
	invoices  *fakeInvoiceRepo
	signature *fakeSignatureRepo
	submitter *fakeSubmitter
	company   *entity.Company
	customer  *entity.Customer
}

// testEnvSetup son las piezas del entorno antes de construir el orquestador;
// cada test puede ajustarlas con el hook de buildTestEnv.
type testEnvSetup struct {
	company    *entity.Company
	customer   *entity.Customer
	signatures *fakeSignatureRepo
	validator  *aeat.SchemaValidator
	cfg        billing.VeriFactuConfig
}

func newTestEnv(t *testing.T, result *aeat.SubmitResult) *testEnv {
	return buildTestEnv(t, result, nil)
}

func buildTestEnv(t *testing.T, result *aeat.SubmitResult, mutate func(*testEnvSetup)) *testEnv {
	t.Helper()
	certPEM, keyPEM := testIdentityPEM(t)
	setup := &testEnvSetup{
		company: &entity.Company{
			ID:           "co-1",
			Name:         "Emisor Pruebas SL",
			VAT:          "A12345674",
			CertPEM:      certPEM,
			KeyPEM:       keyPEM,
			Installation: "383",
			Status:       "active",
		},
		customer: &entity.Customer{
			ID:        "cu-1",
			CompanyID: "co-1",
			Name:      "Cliente Final SA",
			TaxID:     "B87654321",
		},
		signatures: newFakeSignatureRepo(),
		validator:  aeat.NewSchemaValidator(writeSchemaRules(t)),
		cfg:        billing.VeriFactuConfig{TestMode: true, BaseURL: "https://factura.example.com", Installation: "1"},
	}
	if mutate != nil {
		mutate(setup)
	}

	invoices := newFakeInvoiceRepo()
	submitter := &fakeSubmitter{result: result}
	orch := billing.NewVeriFactuOrchestrator(
		invoices,
		&fakeCompanyRepo{company: setup.company},
		&fakeCustomerRepo{customer: setup.customer},
		setup.signatures,
		aeat.NewRecordBuilderService(),
		signer.NewDigitalSignatureService(),
		setup.validator,
		submitter,
		setup.cfg,
		logger.New(logger.Config{Env: "production", Level: "error"}),
	)
	return &testEnv{orch: orch, invoices: invoices, signature: setup.signatures, submitter: submitter, company: setup.company, customer: setup.customer}
}

func (e *testEnv) addInvoice(t *testing.T, id, number, state string) *entity.Invoice {
	t.Helper()
	inv := &entity.Invoice{
		ID:             id,
		CompanyID:      e.company.ID,
		CustomerID:     e.customer.ID,
		Number:         number,
		Date:           time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		NetTotal:       decimal.NewFromInt(100),
		TaxTotal:       decimal.NewFromInt(21),
		GrandTotal:     decimal.NewFromInt(121),
		VeriFactuState: state,
	}
	require.NoError(t, e.invoices.Create(context.Background(), inv))
	require.NoError(t, e.invoices.CreateLine(context.Background(), &entity.InvoiceLine{
		ID:          id + "-l1",
		InvoiceID:   id,
		Description: "Servicio de consultoría",
		Quantity:    decimal.NewFromInt(1),
		UnitPrice:   decimal.NewFromInt(100),
		TaxRate:     decimal.NewFromInt(21),
		Subtotal:    decimal.NewFromInt(100),
		HasTax:      true,
	}))
	return inv
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestSend_EntregaAceptada(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	inv, err := env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err)

	assert.Equal(t, entity.VeriFactuStateAccepted, inv.VeriFactuState)
	assert.True(t, inv.VeriFactuSent)
	assert.NotNil(t, inv.VeriFactuSentDate)
	assert.Equal(t, "CSV-TEST-0001", inv.VeriFactuCSV)
	assert.Len(t, inv.VeriFactuHash, 64, "la huella debe ser SHA-256 hex")
	assert.Equal(t, "https://factura.example.com/verifactu/scan/"+inv.VeriFactuHash, inv.QRData)
	assert.Contains(t, inv.VeriFactuXML, "<sum1:Huella>"+inv.VeriFactuHash)
	assert.Contains(t, inv.VeriFactuXML, "INITIAL", "primer registro del emisor: centinela de cadena")
	assert.Contains(t, inv.VeriFactuXML, "ds:SignatureValue", "el documento entregado debe ir firmado")

	// Registro de firma persistido completo
	sig, err := env.signature.GetByInvoiceID(context.Background(), "inv-1")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.NotEmpty(t, sig.SignatureValue)
	assert.NotEmpty(t, sig.DigestValue)
	assert.NotEmpty(t, sig.SignedInfo)

	assert.EqualValues(t, 1, env.submitter.calls)
}

func TestSend_YaAceptadaNoReenvia(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateAccepted)

	_, err := env.orch.Send(context.Background(), "inv-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyAccepted)
	assert.EqualValues(t, 0, env.submitter.calls, "no debe haber llamada de red")

	env.addInvoice(t, "inv-2", "INV/2024/002", entity.VeriFactuStatePartiallyAccepted)
	_, err = env.orch.Send(context.Background(), "inv-2")
	assert.ErrorIs(t, err, domain.ErrAlreadyAccepted)
	assert.EqualValues(t, 0, env.submitter.calls)
}

func TestSend_EnProcesoDevuelveConflicto(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateSent)

	_, err := env.orch.Send(context.Background(), "inv-1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSend_NoEncontrada(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200})
	_, err := env.orch.Send(context.Background(), "no-existe")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSend_FalloDeTransporte(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{
		Success:    false,
		Error:      "Error SSL: Certificado inválido o no reconocido.",
		StatusCode: 403,
	})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	inv, err := env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err, "el fallo de transporte no es un error del caso de uso")

	assert.Equal(t, entity.VeriFactuStateError, inv.VeriFactuState)
	assert.False(t, inv.VeriFactuSent)
	assert.Nil(t, inv.VeriFactuSentDate)
	assert.Contains(t, inv.VeriFactuResponse, "Error SSL")
	assert.True(t, inv.Retriable(), "tras un fallo de transporte se puede reintentar")

	// El registro se firmó antes de la entrega: sus componentes persisten
	// aunque el transporte haya fallado.
	sig, err := env.signature.GetByInvoiceID(context.Background(), "inv-1")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.NotEmpty(t, sig.SignatureValue)
}

func TestSend_FalloGuardandoFirmaNoEnvia(t *testing.T) {
	env := buildTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200},
		func(s *testEnvSetup) {
			s.signatures.failWith = errors.New("tabla invoice_signatures no disponible")
		})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	inv, err := env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err)

	assert.Equal(t, entity.VeriFactuStateError, inv.VeriFactuState)
	assert.False(t, inv.VeriFactuSent)
	assert.EqualValues(t, 0, env.submitter.calls, "sin registro de firma persistido no hay entrega")
}

func TestSend_RechazadaQuedaEnviada(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaRechazada, StatusCode: 200})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	inv, err := env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err)

	assert.Equal(t, entity.VeriFactuStateRejected, inv.VeriFactuState)
	assert.True(t, inv.VeriFactuSent, "la entrega fue correcta aunque la AEAT rechace")
	assert.True(t, inv.Retriable(), "una rechazada admite reenvío")
	assert.Contains(t, inv.VeriFactuResponse, "Rechazado")
}

func TestSend_RespuestaConErroresQuedaEnviadaEnError(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaRechazadaConErrores, StatusCode: 200})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	inv, err := env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err)

	// Las entradas de error fuerzan el estado error por encima del texto
	// Rechazado, pero la entrega fue correcta y queda marcada como enviada.
	assert.Equal(t, entity.VeriFactuStateError, inv.VeriFactuState)
	assert.True(t, inv.VeriFactuSent)
	assert.True(t, inv.Retriable())
	assert.Contains(t, inv.VeriFactuResponse, "NIF del destinatario incorrecto")
}

func TestSend_EsquemaNoDisponibleNoEnvia(t *testing.T) {
	env := buildTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200},
		func(s *testEnvSetup) {
			s.validator = aeat.NewSchemaValidator("/no/existe/registro_alta.rules.json")
		})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	inv, err := env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err)

	assert.EqualValues(t, 0, env.submitter.calls, "sin esquema disponible no hay entrega")
	assert.Equal(t, entity.VeriFactuStateError, inv.VeriFactuState)
	assert.False(t, inv.VeriFactuSent)
	assert.Contains(t, inv.VeriFactuResponse, "Esquema de validación no disponible")
	assert.True(t, inv.Retriable(), "reparada la configuración se puede reintentar")
}

func TestSend_SinValidadorNoEnvia(t *testing.T) {
	env := buildTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200},
		func(s *testEnvSetup) {
			s.validator = nil
		})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	inv, err := env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err)

	assert.EqualValues(t, 0, env.submitter.calls)
	assert.Equal(t, entity.VeriFactuStateError, inv.VeriFactuState)
	assert.False(t, inv.VeriFactuSent)
}

func TestSend_IdentidadPorDefectoDelDespliegue(t *testing.T) {
	env := buildTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200},
		func(s *testEnvSetup) {
			// La empresa no cargó su par PEM; firma la identidad por defecto.
			s.cfg.DefaultCertPEM = s.company.CertPEM
			s.cfg.DefaultKeyPEM = s.company.KeyPEM
			s.company.CertPEM = ""
			s.company.KeyPEM = ""
		})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	inv, err := env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err)

	assert.Equal(t, entity.VeriFactuStateAccepted, inv.VeriFactuState)
	assert.True(t, inv.VeriFactuSent)
	assert.Contains(t, inv.VeriFactuXML, "ds:SignatureValue")
	assert.EqualValues(t, 1, env.submitter.calls)
}

func TestSend_EncadenaConRegistroAnterior(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)
	env.addInvoice(t, "inv-2", "INV/2024/002", entity.VeriFactuStateDraft)

	first, err := env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err)
	second, err := env.orch.Send(context.Background(), "inv-2")
	require.NoError(t, err)

	assert.Contains(t, second.VeriFactuXML, "<sum1:NumSerieFactura>INV/2024/001</sum1:NumSerieFactura>",
		"el segundo registro referencia la serie del primero")
	assert.Contains(t, second.VeriFactuXML, first.VeriFactuHash,
		"el segundo registro lleva la huella del primero en RegistroAnterior")
	assert.NotContains(t, second.VeriFactuXML, "INITIAL")
}

func TestSend_ConcurrenciaMismoEmisorCadenaLineal(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200})
	const n = 8
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("inv-%d", i)
		env.addInvoice(t, ids[i], fmt.Sprintf("INV/2024/%03d", i+1), entity.VeriFactuStateDraft)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.orch.Send(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	// La cadena debe ser lineal: el registro k referencia la huella del k-1
	// en el orden real de envío, y solo el primero arranca en INITIAL.
	env.invoices.mu.Lock()
	seq := append([]string(nil), env.invoices.sentSeq...)
	env.invoices.mu.Unlock()
	require.Len(t, seq, n)

	for i, id := range seq {
		inv, err := env.invoices.GetByID(context.Background(), id)
		require.NoError(t, err)
		if i == 0 {
			assert.Contains(t, inv.VeriFactuXML, ">INITIAL<", "solo el primer registro arranca la cadena")
			continue
		}
		prev, err := env.invoices.GetByID(context.Background(), seq[i-1])
		require.NoError(t, err)
		assert.Contains(t, inv.VeriFactuXML, prev.VeriFactuHash,
			"registro %d debe referenciar la huella del anterior", i)
		assert.NotContains(t, inv.VeriFactuXML, ">INITIAL<")
	}
}

func TestRenderXML_VistaPreviaYPersistido(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	// Sin enviar: vista previa sin firmar
	data, inv, err := env.orch.RenderXML(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Contains(t, string(data), "<sum1:NumSerieFactura>INV/2024/001</sum1:NumSerieFactura>")
	assert.NotContains(t, string(data), "ds:Signature")
	assert.Equal(t, entity.VeriFactuStateDraft, inv.VeriFactuState)

	// Enviada: se devuelve el documento firmado persistido
	_, err = env.orch.Send(context.Background(), "inv-1")
	require.NoError(t, err)
	data, inv, err = env.orch.RenderXML(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Contains(t, string(data), "ds:SignatureValue")
	assert.Equal(t, inv.VeriFactuXML, string(data))
}

func TestRenderJSON_MismaDerivacion(t *testing.T) {
	env := newTestEnv(t, &aeat.SubmitResult{Success: true, Response: respuestaAceptada, StatusCode: 200})
	env.addInvoice(t, "inv-1", "INV/2024/001", entity.VeriFactuStateDraft)

	data, _, err := env.orch.RenderJSON(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"NumSerieFactura": "INV/2024/001"`)
	assert.Contains(t, string(data), `"ImporteTotal": "121.00"`)
}
