// Package verifactu contiene el núcleo de dominio del motor VeriFactu:
// normalización de NIF, cálculo de la huella encadenada y validación de
// facturas previa al envío a la AEAT.
package verifactu

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidTaxID indica un NIF/CIF que no queda en 9 caracteres tras la limpieza.
var ErrInvalidTaxID = errors.New("NIF/CIF inválido")

// nifLength es la longitud exigida tras quitar espacios, guiones y el prefijo ES.
const nifLength = 9

// NormalizeVAT limpia un NIF/CIF: elimina todo carácter no alfanumérico,
// pasa a mayúsculas y quita el prefijo de país ES. La cadena vacía normaliza
// a vacía sin error (destinatarios opcionales); cualquier otro valor debe
// quedar en exactamente 9 caracteres.
func NormalizeVAT(raw string) (string, error) {
	cleaned := stripVAT(raw)
	if cleaned == "" {
		return "", nil
	}
	if len(cleaned) != nifLength {
		return "", fmt.Errorf("%w: %q debe tener exactamente %d caracteres tras limpiar, tiene %d",
			ErrInvalidTaxID, cleaned, nifLength, len(cleaned))
	}
	return cleaned, nil
}

// NormalizeIssuerVAT es NormalizeVAT para el NIF del emisor, donde el valor
// vacío nunca es admisible: sin NIF del obligado no hay registro legal.
func NormalizeIssuerVAT(raw string) (string, error) {
	cleaned := stripVAT(raw)
	if cleaned == "" {
		return "", fmt.Errorf("%w: el NIF del emisor es obligatorio", ErrInvalidTaxID)
	}
	if len(cleaned) != nifLength {
		return "", fmt.Errorf("%w: %q debe tener exactamente %d caracteres tras limpiar, tiene %d",
			ErrInvalidTaxID, cleaned, nifLength, len(cleaned))
	}
	return cleaned, nil
}

// stripVAT deja solo alfanuméricos en mayúsculas y descarta el prefijo ES.
func stripVAT(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return strings.TrimPrefix(b.String(), "ES")
}
