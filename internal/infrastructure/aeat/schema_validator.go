package aeat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	goxml "github.com/arturoeanton/go-xml/xml"
)

// ErrSchemaUnavailable indica que no hay recurso de esquema configurado o que
// no se pudo cargar. Un registro nunca se envía sin pasar la validación.
var ErrSchemaUnavailable = errors.New("no se encontró el esquema de validación VeriFactu; verifique la ruta en la configuración")

// SchemaViolationError agrupa las violaciones de reglas encontradas en el
// fragmento del registro.
type SchemaViolationError struct {
	Violations []string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("el registro no cumple el esquema VeriFactu: %s", strings.Join(e.Violations, "; "))
}

// schemaRule es la forma serializada de una regla en el recurso de esquema.
type schemaRule struct {
	Path     string   `json:"path"`
	Required bool     `json:"required"`
	Type     string   `json:"type"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
	Regex    string   `json:"regex"`
	Enum     []string `json:"enum"`
}

type schemaDocument struct {
	Rules []schemaRule `json:"rules"`
}

// SchemaValidator valida el fragmento del registro (el primer hijo del Body
// del envelope) contra un recurso de reglas externo. La ruta del recurso la
// aporta la configuración; el contenido es opaco para el resto del sistema.
type SchemaValidator struct {
	schemaPath string
}

// NewSchemaValidator crea el validador apuntando al recurso de reglas.
func NewSchemaValidator(schemaPath string) *SchemaValidator {
	return &SchemaValidator{schemaPath: schemaPath}
}

// Validate comprueba el documento canónico. Devuelve ErrSchemaUnavailable si
// el recurso no existe, SchemaViolationError con la lista de violaciones si
// el fragmento no cumple, y nil si el documento es válido.
func (v *SchemaValidator) Validate(xmlData []byte) error {
	rules, err := v.loadRules()
	if err != nil {
		return err
	}

	doc, err := goxml.MapXML(bytes.NewReader(xmlData))
	if err != nil {
		return &SchemaViolationError{Violations: []string{
			fmt.Sprintf("el documento no es XML bien formado: %v", err),
		}}
	}

	// El esquema aplica al contenido del Body, no al envelope SOAP.
	fragment, err := goxml.Query(doc.ToMap(), "Envelope/Body")
	if err != nil {
		return &SchemaViolationError{Violations: []string{
			"no se encontró el elemento Body en el envelope",
		}}
	}

	if violations := goxml.Validate(fragment, rules); len(violations) > 0 {
		return &SchemaViolationError{Violations: violations}
	}
	return nil
}

// loadRules lee y parsea el recurso de reglas del esquema.
func (v *SchemaValidator) loadRules() ([]goxml.Rule, error) {
	if strings.TrimSpace(v.schemaPath) == "" {
		return nil, ErrSchemaUnavailable
	}
	raw, err := os.ReadFile(v.schemaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaUnavailable, err)
	}
	var doc schemaDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: esquema ilegible: %v", ErrSchemaUnavailable, err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("%w: el esquema no define reglas", ErrSchemaUnavailable)
	}

	rules := make([]goxml.Rule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		rules = append(rules, goxml.Rule{
			Path:     r.Path,
			Required: r.Required,
			Type:     r.Type,
			Min:      r.Min,
			Max:      r.Max,
			Regex:    r.Regex,
			Enum:     r.Enum,
		})
	}
	return rules, nil
}
