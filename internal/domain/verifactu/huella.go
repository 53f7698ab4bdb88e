package verifactu

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinelas del encadenamiento: primer registro de un emisor sin predecesor.
const (
	ChainInitial = "INITIAL"
	// TipoHuella identifica el algoritmo de huella ante la AEAT (01 = SHA-256).
	TipoHuella = "01"
)

// HuellaParams contiene los datos que entran en la huella, ya normalizados.
// La huella depende exactamente de estos campos y de nada más.
type HuellaParams struct {
	Number       string          // Número de serie completo de la factura
	IssueDate    time.Time       // Fecha de expedición
	IssuerVAT    string          // NIF del emisor, normalizado
	RecipientVAT string          // NIF del destinatario, normalizado
	Total        decimal.Decimal // Importe total de la factura
	Timestamp    time.Time       // Momento de generación, precisión de segundo
}

// ChainLink identifica el registro anterior del encadenamiento de un emisor.
// Cuando no existe registro previo enviado, NumSerie y Huella valen INITIAL y
// el NIF y la fecha son los de la factura actual.
type ChainLink struct {
	IssuerVAT string
	NumSerie  string
	IssueDate time.Time
	Huella    string
}

// Initial indica si el eslabón es el centinela de arranque de cadena.
func (c ChainLink) Initial() bool {
	return c.Huella == ChainInitial
}

// InitialChainLink construye el centinela de arranque para la factura actual.
func InitialChainLink(issuerVAT string, issueDate time.Time) ChainLink {
	return ChainLink{
		IssuerVAT: issuerVAT,
		NumSerie:  ChainInitial,
		IssueDate: issueDate,
		Huella:    ChainInitial,
	}
}

// CalculateHuella genera la huella SHA-256 (hex) del registro de facturación.
// Cadena de entrada, en orden estricto y separada por '|':
//
//	Numero|FechaExpedicion(DD-MM-YYYY)|NIFEmisor|NIFDestinatario|ImporteTotal(2 dec)|Timestamp(YYYY-MM-DDTHH:MM:SS)
//
// Función pura: mismos parámetros, misma huella.
func CalculateHuella(p HuellaParams) (string, error) {
	number := strings.TrimSpace(p.Number)
	if number == "" {
		return "", fmt.Errorf("huella: el número de factura es obligatorio")
	}
	if p.IssueDate.IsZero() {
		return "", fmt.Errorf("huella: la fecha de expedición es obligatoria")
	}
	if p.IssuerVAT == "" {
		return "", fmt.Errorf("huella: el NIF del emisor es obligatorio")
	}
	if p.Timestamp.IsZero() {
		return "", fmt.Errorf("huella: el timestamp de generación es obligatorio")
	}

	data := number + "|" +
		p.IssueDate.Format("02-01-2006") + "|" +
		p.IssuerVAT + "|" +
		p.RecipientVAT + "|" +
		formatAmount(p.Total) + "|" +
		p.Timestamp.Format("2006-01-02T15:04:05")

	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:]), nil
}

// formatAmount formatea importes para huella y documento canónico:
// sin separador de miles, punto decimal, 2 decimales.
func formatAmount(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}
