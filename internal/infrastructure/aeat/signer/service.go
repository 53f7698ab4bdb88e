// Servicio de firma digital envuelta (XMLDSig, RSA-SHA256) para el registro
// de facturación VeriFactu. Inyecta <ds:Signature> dentro de RegistroAlta y
// extrae los componentes de la firma para su persistencia.

package signer

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/ucarion/c14n"
)

// Errores del ciclo de firma.
var (
	// ErrInvalidDocument: el documento de entrada no es XML bien formado.
	ErrInvalidDocument = errors.New("el documento a firmar no es XML bien formado")
	// ErrSigningFailed: fallo de la librería criptográfica al firmar.
	ErrSigningFailed = errors.New("fallo criptográfico al generar la firma")
	// ErrIncompleteSignature: al resultado le falta algún subelemento
	// obligatorio. Una firma incompleta no es utilizable y no se persiste.
	ErrIncompleteSignature = errors.New("la firma generada está incompleta")
)

// Components son los valores extraídos de la firma, listos para persistir.
type Components struct {
	SignatureValue     string
	X509Certificate    string // Base64 del certificado, sin saltos de línea
	DigestValue        string
	SignedInfo         string
	SignatureAlgorithm string
	ReferenceURI       string
	SigningTime        time.Time
}

// SignedDocument es el resultado de una firma completa.
type SignedDocument struct {
	XML        []byte
	Components Components
}

// DigitalSignatureService firma registros VeriFactu con la clave del emisor.
type DigitalSignatureService struct{}

// NewDigitalSignatureService crea el servicio.
func NewDigitalSignatureService() *DigitalSignatureService {
	return &DigitalSignatureService{}
}

// Sign firma el documento canónico con la clave privada del emisor.
// referenceURI vacío referencia el documento completo (URI=""). El resultado
// solo se devuelve si la firma inyectada contiene todos sus subelementos;
// un intento fallido no produce componentes parciales.
func (s *DigitalSignatureService) Sign(xmlBytes []byte, certPEM, keyPEM, keyPassword, referenceURI string) (*SignedDocument, error) {
	if len(bytes.TrimSpace(xmlBytes)) == 0 {
		return nil, ErrInvalidDocument
	}

	priv, err := LoadPrivateKey(keyPEM, keyPassword)
	if err != nil {
		return nil, err
	}
	cert, err := LoadCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil || doc.Root() == nil {
		return nil, ErrInvalidDocument
	}

	// 1) Digest del documento canonicalizado
	canonicalDoc, err := canonicalizeXML(xmlBytes)
	if err != nil {
		return nil, ErrInvalidDocument
	}
	docDigest := sha256.Sum256(canonicalDoc)
	docDigestB64 := base64.StdEncoding.EncodeToString(docDigest[:])

	// 2) SignedInfo canonicalizado y firmado con RSA-SHA256
	signedInfoXML := buildSignedInfo(docDigestB64, referenceURI)
	canonicalSignedInfo, err := canonicalizeXML([]byte(signedInfoXML))
	if err != nil {
		canonicalSignedInfo = []byte(signedInfoXML)
	}
	signHash := sha256.Sum256(canonicalSignedInfo)
	signatureValue, err := rsa.SignPKCS1v15(nil, priv, crypto.SHA256, signHash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	signatureValueB64 := base64.StdEncoding.EncodeToString(signatureValue)

	// 3) Nodo ds:Signature completo
	certB64 := base64.StdEncoding.EncodeToString(cert.Raw)
	signingTime := time.Now().UTC()
	signatureXML := buildSignature(signedInfoXML, signatureValueB64, certB64)

	// 4) Inyección envuelta dentro de RegistroAlta
	signed, err := injectSignature(doc, signatureXML)
	if err != nil {
		return nil, err
	}

	// 5) Extracción de componentes desde el documento ya firmado. Si falta
	// cualquiera, la firma no vale y no se devuelve nada.
	comps, err := ExtractComponents(signed)
	if err != nil {
		return nil, err
	}
	comps.SigningTime = signingTime
	comps.ReferenceURI = referenceURI
	// Se persiste la serialización exacta que se canonicalizó y firmó; la
	// extraída del árbol puede perder la declaración xmlns:ds.
	comps.SignedInfo = signedInfoXML

	return &SignedDocument{XML: signed, Components: *comps}, nil
}

// VerifySignature comprueba la firma de un documento firmado contra el
// certificado embebido: recalcula el hash del SignedInfo y verifica el valor
// de firma con la clave pública.
func VerifySignature(comps *Components) error {
	certDER, err := base64.StdEncoding.DecodeString(comps.X509Certificate)
	if err != nil {
		return fmt.Errorf("certificado embebido ilegible: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("certificado embebido inválido: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("el certificado no lleva clave RSA")
	}
	sig, err := base64.StdEncoding.DecodeString(comps.SignatureValue)
	if err != nil {
		return fmt.Errorf("valor de firma ilegible: %w", err)
	}

	canonicalSignedInfo, err := canonicalizeXML([]byte(comps.SignedInfo))
	if err != nil {
		canonicalSignedInfo = []byte(comps.SignedInfo)
	}
	hash := sha256.Sum256(canonicalSignedInfo)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], sig)
}

func canonicalizeXML(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = map[string]string{}
	return c14n.Canonicalize(dec)
}

func buildSignedInfo(docDigestB64, referenceURI string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:SignedInfo xmlns:ds="` + NamespaceDS + `">`)
	sb.WriteString(`<ds:CanonicalizationMethod Algorithm="` + AlgC14N + `"/>`)
	sb.WriteString(`<ds:SignatureMethod Algorithm="` + AlgRSASHA256 + `"/>`)
	sb.WriteString(`<ds:Reference URI="` + referenceURI + `">`)
	sb.WriteString(`<ds:Transforms><ds:Transform Algorithm="` + TransformEnveloped + `"/>`)
	sb.WriteString(`<ds:Transform Algorithm="` + AlgC14N + `"/></ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + docDigestB64 + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`</ds:SignedInfo>`)
	return sb.String()
}

func buildSignature(signedInfoXML, signatureValueB64, certB64 string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:Signature xmlns:ds="` + NamespaceDS + `">`)
	sb.WriteString(signedInfoXML)
	sb.WriteString(`<ds:SignatureValue>` + signatureValueB64 + `</ds:SignatureValue>`)
	sb.WriteString(`<ds:KeyInfo><ds:X509Data><ds:X509Certificate>` + certB64 + `</ds:X509Certificate></ds:X509Data></ds:KeyInfo>`)
	sb.WriteString(`</ds:Signature>`)
	return sb.String()
}

// injectSignature cuelga ds:Signature como último hijo de RegistroAlta.
func injectSignature(doc *etree.Document, signatureXML string) ([]byte, error) {
	target := findByLocalTag(doc.Root(), "RegistroAlta")
	if target == nil {
		return nil, fmt.Errorf("%w: no se encontró RegistroAlta", ErrInvalidDocument)
	}

	sigDoc := etree.NewDocument()
	if err := sigDoc.ReadFromString(signatureXML); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if sigRoot := sigDoc.Root(); sigRoot != nil {
		target.AddChild(sigRoot)
	}

	var out bytes.Buffer
	if _, err := doc.WriteTo(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return out.Bytes(), nil
}

// findByLocalTag busca en profundidad el primer elemento con ese tag local,
// con o sin prefijo de namespace.
func findByLocalTag(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	if el.Tag == local {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findByLocalTag(child, local); found != nil {
			return found
		}
	}
	return nil
}

// ExtractComponents localiza ds:Signature en el documento firmado y extrae
// sus componentes. Falla con ErrIncompleteSignature si falta SignedInfo,
// SignatureValue, X509Certificate, Reference o DigestValue.
func ExtractComponents(signedXML []byte) (*Components, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedXML); err != nil {
		return nil, ErrInvalidDocument
	}

	sig := findByLocalTag(doc.Root(), "Signature")
	if sig == nil {
		return nil, fmt.Errorf("%w: falta ds:Signature", ErrIncompleteSignature)
	}

	signedInfo := findByLocalTag(sig, "SignedInfo")
	signatureValue := findByLocalTag(sig, "SignatureValue")
	certificate := findByLocalTag(sig, "X509Certificate")
	reference := findByLocalTag(sig, "Reference")
	digestValue := findByLocalTag(sig, "DigestValue")

	missing := []string{}
	if signedInfo == nil {
		missing = append(missing, "SignedInfo")
	}
	if signatureValue == nil || strings.TrimSpace(signatureValue.Text()) == "" {
		missing = append(missing, "SignatureValue")
	}
	if certificate == nil || strings.TrimSpace(certificate.Text()) == "" {
		missing = append(missing, "X509Certificate")
	}
	if reference == nil {
		missing = append(missing, "Reference")
	}
	if digestValue == nil || strings.TrimSpace(digestValue.Text()) == "" {
		missing = append(missing, "DigestValue")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: faltan %s", ErrIncompleteSignature, strings.Join(missing, ", "))
	}

	signedInfoDoc := etree.NewDocument()
	signedInfoDoc.SetRoot(signedInfo.Copy())
	serializedSignedInfo, err := signedInfoDoc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteSignature, err)
	}

	refURI := ""
	if attr := reference.SelectAttr("URI"); attr != nil {
		refURI = attr.Value
	}

	return &Components{
		SignatureValue:     strings.TrimSpace(signatureValue.Text()),
		X509Certificate:    stripLineBreaks(certificate.Text()),
		DigestValue:        strings.TrimSpace(digestValue.Text()),
		SignedInfo:         serializedSignedInfo,
		SignatureAlgorithm: SignatureAlgorithmName,
		ReferenceURI:       refURI,
	}, nil
}

func stripLineBreaks(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	return strings.TrimSpace(s)
}
