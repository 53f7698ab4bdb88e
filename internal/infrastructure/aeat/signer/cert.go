// Carga de material criptográfico del emisor: par PEM (clave opcionalmente
// cifrada) o contenedor .p12 (PKCS#12).

package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/pkcs12"
)

// ErrInvalidKey indica una clave privada que no se pudo decodificar o una
// contraseña incorrecta.
var ErrInvalidKey = errors.New("clave privada inválida o contraseña incorrecta")

// LoadCertificate decodifica el certificado X.509 del emisor desde PEM.
func LoadCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("el certificado no es PEM válido")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsear certificado: %w", err)
	}
	return cert, nil
}

// LoadPrivateKey decodifica la clave privada RSA desde PEM. Admite PKCS#1 y
// PKCS#8, y bloques PEM cifrados al estilo legado si se aporta contraseña.
func LoadPrivateKey(keyPEM, password string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: el material no es PEM", ErrInvalidKey)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) {
		if password == "" {
			return nil, fmt.Errorf("%w: la clave está cifrada y no se aportó contraseña", ErrInvalidKey)
		}
		plain, err := x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		der = plain
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: se requiere una clave RSA", ErrInvalidKey)
	}
	return rsaKey, nil
}

// CredentialsFromP12 extrae certificado y clave en PEM desde un contenedor
// PKCS#12 (.p12/.pfx), como los que expide la FNMT. Permite alimentar los
// campos PEM del emisor desde el fichero original.
func CredentialsFromP12(data []byte, password string) (certPEM, keyPEM string, err error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	for _, b := range blocks {
		// pkcs12.ToPEM marca los bloques con cabeceras locales que rompen
		// a los parsers estrictos; se reescriben limpios.
		clean := &pem.Block{Type: b.Type, Bytes: b.Bytes}
		switch b.Type {
		case "CERTIFICATE":
			if certPEM == "" {
				certPEM = string(pem.EncodeToMemory(clean))
			}
		case "PRIVATE KEY", "RSA PRIVATE KEY":
			keyPEM = string(pem.EncodeToMemory(clean))
		}
	}
	if certPEM == "" || keyPEM == "" {
		return "", "", fmt.Errorf("%w: el contenedor no incluye certificado y clave", ErrInvalidKey)
	}
	return certPEM, keyPEM, nil
}
