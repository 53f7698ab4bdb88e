package aeat

import (
	"encoding/xml"
	"errors"
	"html"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/jhoicas/verifactu-api/internal/domain/entity"
)

// Estados de envío que devuelve la AEAT en EstadoEnvio.
const (
	estadoAceptado    = "aceptado"
	estadoParcial     = "aceptado parcialmente"
	estadoRechazado   = "rechazado"
	estadoErrorTexto  = "Error"
	parseErrorMessage = "La respuesta recibida no es un XML válido. Por favor, contacte con soporte técnico."
)

// ResponseError es una entrada de error devuelta por la AEAT.
type ResponseError struct {
	Codigo      string
	Descripcion string
}

// ParsedResponse es el resultado estructurado de interpretar la respuesta.
type ParsedResponse struct {
	Estado  string          // Texto crudo de EstadoEnvio
	CSV     string          // Código Seguro de Verificación
	Errores []ResponseError // Entradas de error reportadas

	// State es el estado de dominio mapeado: accepted, partially_accepted,
	// rejected o error.
	State string
}

// InterpretResponse parsea el XML de respuesta de la AEAT y lo mapea al
// estado de dominio. Nunca propaga errores de parseo: un XML inválido
// produce estado error con una entrada sintética que lo describe. La
// presencia de cualquier entrada de error fuerza el estado a error aunque
// el texto de EstadoEnvio diga otra cosa.
func InterpretResponse(xmlResponse string) *ParsedResponse {
	parsed, err := extractResponseFields(xmlResponse)
	if err != nil {
		return &ParsedResponse{
			Estado:  estadoErrorTexto,
			Errores: []ResponseError{{Descripcion: parseErrorMessage}},
			State:   entity.VeriFactuStateError,
		}
	}

	if len(parsed.Errores) > 0 && parsed.Estado != estadoErrorTexto {
		parsed.Estado = estadoErrorTexto
	}
	parsed.State = mapEstado(parsed.Estado)
	return parsed
}

// extractResponseFields recorre el XML buscando EstadoEnvio, CSV y las
// entradas Error con su código y descripción.
func extractResponseFields(xmlResponse string) (*ParsedResponse, error) {
	if strings.TrimSpace(xmlResponse) == "" {
		return nil, errors.New("respuesta vacía")
	}

	dec := xml.NewDecoder(strings.NewReader(xmlResponse))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		if strings.EqualFold(charset, "ISO-8859-1") || strings.EqualFold(charset, "ISO8859-1") {
			return transform.NewReader(input, charmap.ISO8859_1.NewDecoder()), nil
		}
		return input, nil
	}

	out := &ParsedResponse{Estado: estadoErrorTexto}
	sawEstado := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "EstadoEnvio":
			var v string
			if err := dec.DecodeElement(&v, &se); err != nil {
				return nil, err
			}
			out.Estado = strings.TrimSpace(v)
			sawEstado = true
		case "CSV":
			var v string
			if err := dec.DecodeElement(&v, &se); err != nil {
				return nil, err
			}
			out.CSV = strings.TrimSpace(v)
		case "Error":
			var e struct {
				Codigo      string `xml:"Codigo"`
				Descripcion string `xml:"Descripcion"`
			}
			if err := dec.DecodeElement(&e, &se); err != nil {
				return nil, err
			}
			out.Errores = append(out.Errores, ResponseError{
				Codigo:      strings.TrimSpace(e.Codigo),
				Descripcion: CleanResponseText(e.Descripcion),
			})
		}
	}

	if !sawEstado && out.CSV == "" && len(out.Errores) == 0 {
		// Hubo XML bien formado pero sin ninguno de los elementos esperados.
		return nil, errors.New("la respuesta no contiene elementos VeriFactu")
	}
	return out, nil
}

// mapEstado traduce el texto de EstadoEnvio al estado de dominio.
func mapEstado(estado string) string {
	switch strings.ToLower(strings.TrimSpace(estado)) {
	case estadoAceptado:
		return entity.VeriFactuStateAccepted
	case estadoParcial:
		return entity.VeriFactuStatePartiallyAccepted
	case estadoRechazado:
		return entity.VeriFactuStateRejected
	default:
		return entity.VeriFactuStateError
	}
}

// CleanResponseText repara textos de la AEAT que llegan con entidades HTML o
// con UTF-8 releído como Latin-1 (mojibake tipo "InvÃ¡lido").
func CleanResponseText(s string) string {
	s = html.UnescapeString(s)
	if !strings.Contains(s, "Ã") {
		return strings.TrimSpace(s)
	}
	// Volver a bytes Latin-1 y releer como UTF-8 deshace la doble codificación.
	repaired, _, err := transform.String(charmap.ISO8859_1.NewEncoder(), s)
	if err == nil && utf8.ValidString(repaired) {
		s = repaired
	}
	return strings.TrimSpace(s)
}
