package signer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jhoicas/verifactu-api/internal/infrastructure/aeat/signer"
)

// La generación de contenedores PKCS#12 no está soportada por la librería de
// decodificación, así que los casos de éxito se cubren con el par PEM en los
// tests de firma; aquí se cubren los contenedores que no deben aceptarse.
func TestCredentialsFromP12_ContenedorInvalido(t *testing.T) {
	certPEM, _ := generateTestIdentity(t)

	casos := map[string][]byte{
		"vacío":         {},
		"basura":        []byte("esto no es un p12"),
		"pem en vez de": []byte(certPEM),
	}
	for nombre, data := range casos {
		t.Run(nombre, func(t *testing.T) {
			_, _, err := signer.CredentialsFromP12(data, "secreto")
			assert.ErrorIs(t, err, signer.ErrInvalidKey)
		})
	}
}
