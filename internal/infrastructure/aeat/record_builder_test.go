package aeat_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/domain/verifactu"
	"github.com/jhoicas/verifactu-api/internal/infrastructure/aeat"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers de test
// ──────────────────────────────────────────────────────────────────────────────

var (
	testIssueDate   = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	testGeneratedAt = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
)

const testHuella = "ce7f867f4773f0ca336b40803dd114c3d69ebaedc14ba71f4ba752f77d214a00"

// buildTestContext construye el contexto del escenario de referencia: una
// línea con base 100.00 e IVA del 21%.
func buildTestContext() *aeat.RecordBuildContext {
	return &aeat.RecordBuildContext{
		Invoice: &entity.Invoice{
			ID:         "inv-1",
			Number:     "INV/2024/001",
			Date:       testIssueDate,
			NetTotal:   decimal.NewFromFloat(100),
			TaxTotal:   decimal.NewFromFloat(21),
			GrandTotal: decimal.NewFromFloat(121),
		},
		Company: &entity.Company{
			ID:   "co-1",
			Name: "Ejemplo SL",
			// El normalizador debe limpiar prefijo, guion y espacios.
			VAT: "ES-A12345674 ",
		},
		Customer: &entity.Customer{
			ID:    "cu-1",
			Name:  "Cliente SA",
			TaxID: "B87654321",
		},
		Lines: []*entity.InvoiceLine{
			{
				Description: "Servicio de consultoría",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromFloat(100),
				TaxRate:     decimal.NewFromFloat(21),
				Subtotal:    decimal.NewFromFloat(100),
				HasTax:      true,
			},
		},
		Huella:      testHuella,
		GeneratedAt: testGeneratedAt,
		System:      aeat.DefaultSystemInfo("A12345674", "1"),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Payload canónico
// ──────────────────────────────────────────────────────────────────────────────

func TestBuildPayload_EscenarioEjemplo(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	p, err := svc.BuildPayload(buildTestContext())
	require.NoError(t, err)

	require.Len(t, p.Desglose, 1)
	d := p.Desglose[0]
	assert.Equal(t, "01", d.ClaveRegimen)
	assert.Equal(t, "S1", d.CalificacionOperacion)
	assert.Equal(t, "21.00", d.TipoImpositivo)
	assert.Equal(t, "100.00", d.BaseImponible)
	assert.Equal(t, "21.00", d.CuotaRepercutida)

	assert.Equal(t, "21.00", p.CuotaTotal)
	assert.Equal(t, "121.00", p.ImporteTotal)

	assert.Equal(t, "A12345674", p.IDEmisorFactura, "el NIF del emisor debe quedar normalizado")
	assert.Equal(t, "B87654321", p.DestinatarioNIF)
	assert.Equal(t, "15-01-2024", p.FechaExpedicionFactura)
	assert.Equal(t, "2024-01-15T10:30:00+01:00", p.FechaHoraGen)
	assert.Equal(t, testHuella, p.Huella)
	assert.Equal(t, "01", p.TipoHuella)
}

func TestBuildPayload_CadenaInicial(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	// Sin eslabón anterior: el encadenamiento arranca en el centinela.
	p, err := svc.BuildPayload(buildTestContext())
	require.NoError(t, err)

	assert.Equal(t, "INITIAL", p.Encadenamiento.NumSerieFactura)
	assert.Equal(t, "INITIAL", p.Encadenamiento.Huella)
	assert.Equal(t, "A12345674", p.Encadenamiento.IDEmisorFactura)
	assert.Equal(t, "15-01-2024", p.Encadenamiento.FechaExpedicionFactura)
}

func TestBuildPayload_ConEslabonAnterior(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	ctx := buildTestContext()
	ctx.Chain = verifactu.ChainLink{
		IssuerVAT: "A12345674",
		NumSerie:  "INV/2023/099",
		IssueDate: time.Date(2023, 12, 30, 0, 0, 0, 0, time.UTC),
		Huella:    strings.Repeat("ab", 32),
	}

	p, err := svc.BuildPayload(ctx)
	require.NoError(t, err)

	assert.Equal(t, "INV/2023/099", p.Encadenamiento.NumSerieFactura)
	assert.Equal(t, "30-12-2023", p.Encadenamiento.FechaExpedicionFactura)
	assert.Equal(t, strings.Repeat("ab", 32), p.Encadenamiento.Huella)
}

func TestBuildPayload_SinLineasConImpuesto(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	ctx := buildTestContext()
	ctx.Lines = []*entity.InvoiceLine{
		{Description: "Exento", Subtotal: decimal.NewFromFloat(100), HasTax: false},
	}

	_, err := svc.BuildPayload(ctx)
	assert.ErrorIs(t, err, verifactu.ErrMissingTaxLines,
		"sin DetalleDesglose no se genera documento ni huella")
}

func TestBuildPayload_DescripcionTresLineasYTruncada(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	ctx := buildTestContext()
	ctx.Lines = []*entity.InvoiceLine{
		{Description: "Primera", TaxRate: decimal.NewFromFloat(21), Subtotal: decimal.NewFromFloat(10), HasTax: true},
		{Description: "Segunda", TaxRate: decimal.NewFromFloat(21), Subtotal: decimal.NewFromFloat(10), HasTax: true},
		{Description: "Tercera", TaxRate: decimal.NewFromFloat(21), Subtotal: decimal.NewFromFloat(10), HasTax: true},
		{Description: "Cuarta no entra", TaxRate: decimal.NewFromFloat(21), Subtotal: decimal.NewFromFloat(10), HasTax: true},
	}

	p, err := svc.BuildPayload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Primera, Segunda, Tercera", p.Descripcion)

	// Truncado duro a 500 caracteres.
	ctx.Lines[0].Description = strings.Repeat("x", 600)
	p, err = svc.BuildPayload(ctx)
	require.NoError(t, err)
	assert.Len(t, p.Descripcion, 500)
}

func TestBuildPayload_DescripcionTruncaPorCaracteres(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	// Con multibyte el corte debe caer en frontera de runa, nunca partir una
	// vocal acentuada.
	ctx := buildTestContext()
	ctx.Lines[0].Description = strings.Repeat("instalación", 60)

	p, err := svc.BuildPayload(ctx)
	require.NoError(t, err)

	assert.Equal(t, 500, utf8.RuneCountInString(p.Descripcion))
	assert.True(t, utf8.ValidString(p.Descripcion))
	assert.NotContains(t, p.Descripcion, "�")
}

// ──────────────────────────────────────────────────────────────────────────────
// Serialización XML
// ──────────────────────────────────────────────────────────────────────────────

func TestBuild_Determinista(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	xml1, err := svc.Build(buildTestContext())
	require.NoError(t, err)
	xml2, err := svc.Build(buildTestContext())
	require.NoError(t, err)

	assert.Equal(t, xml1, xml2, "mismos datos y mismo timestamp deben producir bytes idénticos")
}

func TestBuildXML_EstructuraYOrden(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	out, err := svc.Build(buildTestContext())
	require.NoError(t, err)
	doc := string(out)

	assert.Contains(t, doc, `xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"`)
	assert.Contains(t, doc, "<sum:RegFactuSistemaFacturacion>")
	assert.Contains(t, doc, "<sum1:IDVersion>1.0</sum1:IDVersion>")
	assert.Contains(t, doc, "<sum1:TipoFactura>F1</sum1:TipoFactura>")
	assert.Contains(t, doc, "<sum1:NumSerieFactura>INV/2024/001</sum1:NumSerieFactura>")
	assert.Contains(t, doc, "<sum1:Version>1.0.03</sum1:Version>")
	assert.Contains(t, doc, "<sum1:TipoHuella>01</sum1:TipoHuella>")
	assert.Contains(t, doc, "<sum1:Huella>"+testHuella+"</sum1:Huella>")

	// El desglose debe preceder a los totales y estos al encadenamiento.
	iDesglose := strings.Index(doc, "<sum1:Desglose>")
	iCuota := strings.Index(doc, "<sum1:CuotaTotal>")
	iEncaden := strings.Index(doc, "<sum1:Encadenamiento>")
	iSistema := strings.Index(doc, "<sum1:SistemaInformatico>")
	require.True(t, iDesglose > 0 && iCuota > iDesglose && iEncaden > iCuota && iSistema > iEncaden,
		"el orden de los bloques del RegistroAlta es parte del contrato")
}

func TestBuildXML_FlagsOpcionales(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	out, err := svc.Build(buildTestContext())
	require.NoError(t, err)
	assert.NotContains(t, string(out), "Subsanacion", "el flag en falso se omite por completo")
	assert.NotContains(t, string(out), "RechazoPrevio")

	ctx := buildTestContext()
	ctx.Invoice.Subsanacion = true
	ctx.Invoice.RechazoPrevio = true
	out, err = svc.Build(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<sum1:Subsanacion>S</sum1:Subsanacion>")
	assert.Contains(t, string(out), "<sum1:RechazoPrevio>X</sum1:RechazoPrevio>")
}

func TestBuildXML_EscapaCaracteresReservados(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	ctx := buildTestContext()
	ctx.Company.Name = "Gómez & Hijos <SL>"

	out, err := svc.Build(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(out), "Gómez &amp; Hijos &lt;SL&gt;")
	assert.NotContains(t, string(out), "& Hijos <SL>")
}

// ──────────────────────────────────────────────────────────────────────────────
// Export JSON
// ──────────────────────────────────────────────────────────────────────────────

func TestBuildJSON_MismaDerivacionQueXML(t *testing.T) {
	svc := aeat.NewRecordBuilderService()

	p, err := svc.BuildPayload(buildTestContext())
	require.NoError(t, err)

	raw, err := svc.BuildJSON(p)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	alta := decoded["RegistroFactura"].(map[string]any)["RegistroAlta"].(map[string]any)
	assert.Equal(t, "F1", alta["TipoFactura"])
	assert.Equal(t, "21.00", alta["CuotaTotal"])
	assert.Equal(t, "121.00", alta["ImporteTotal"])
	assert.Equal(t, testHuella, alta["Huella"])
	_, hasSubsanacion := alta["Subsanacion"]
	assert.False(t, hasSubsanacion, "el flag en falso tampoco aparece en el JSON")
}
