package aeat

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// Endpoints oficiales del WS VeriFactu y cabeceras fijas del contrato.
const (
	EndpointTest = "https://prewww1.aeat.es/wbWTINE-CONT/swi/SistemaFacturacion/VerifactuSOAP"
	EndpointProd = "https://www1.agenciatributaria.gob.es/wbWTINE-CONT/swi/SistemaFacturacion/VerifactuSOAP"

	SOAPAction = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/RegFactuSistemaFacturacion"

	contentTypeXML = "text/xml; charset=utf-8"
	// La AEAT puede tardar varios segundos; el timeout expira como error 503.
	defaultTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// SubmitResult es el resultado bruto de la entrega al WS. El cuerpo de la
// respuesta se devuelve sin interpretar; eso es trabajo del intérprete de
// respuestas.
type SubmitResult struct {
	Success    bool
	Response   string // Cuerpo XML de la respuesta cuando Success
	Error      string // Mensaje clasificado cuando no Success
	StatusCode int
}

// Submitter define el puerto de salida hacia el WS de la AEAT. La
// implementación concreta usa SOAP sobre mTLS; en tests se inyecta un mock.
type Submitter interface {
	// Submit entrega el documento firmado. certPEM y keyPEM son el material
	// del emisor (la clave ya descifrada); testMode selecciona el endpoint.
	Submit(ctx context.Context, xmlData []byte, certPEM, keyPEM string, testMode bool) (*SubmitResult, error)
}

// SOAPClient implementa Submitter contra el WS VeriFactu con autenticación
// mutua TLS. El certificado y la clave se materializan en ficheros temporales
// durante la llamada y se eliminan siempre, también en los caminos de error;
// nunca se cachean entre envíos.
type SOAPClient struct {
	timeout      time.Duration
	endpointTest string
	endpointProd string
}

// NewSOAPClient construye el cliente. Con timeout <= 0 usa el valor por defecto.
func NewSOAPClient(timeout time.Duration) *SOAPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &SOAPClient{
		timeout:      timeout,
		endpointTest: EndpointTest,
		endpointProd: EndpointProd,
	}
}

// Submit entrega el registro firmado al endpoint que corresponda al modo.
// Clasificación de fallos de transporte:
//
//	certificado o clave ausentes  -> 400, sin llamada de red
//	handshake TLS / certificado   -> 403
//	HTTP 403 del servidor         -> 403 (certificado no admitido)
//	conexión o timeout            -> 503
//	cualquier otro fallo          -> 500
func (c *SOAPClient) Submit(ctx context.Context, xmlData []byte, certPEM, keyPEM string, testMode bool) (*SubmitResult, error) {
	if strings.TrimSpace(certPEM) == "" || strings.TrimSpace(keyPEM) == "" {
		return &SubmitResult{
			Success:    false,
			Error:      "Faltan el certificado o la clave privada.",
			StatusCode: http.StatusBadRequest,
		}, nil
	}

	certPath, keyPath, cleanup, err := writeCredentialFiles(certPEM, keyPEM)
	if err != nil {
		return &SubmitResult{
			Success:    false,
			Error:      fmt.Sprintf("No se pudo preparar el material de credenciales: %v", err),
			StatusCode: http.StatusInternalServerError,
		}, nil
	}
	defer cleanup()

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return &SubmitResult{
			Success:    false,
			Error:      "Error SSL: Certificado inválido o no reconocido.",
			StatusCode: http.StatusForbidden,
		}, nil
	}

	endpoint := c.endpointProd
	if testMode {
		endpoint = c.endpointTest
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(xmlData))
	if err != nil {
		return nil, fmt.Errorf("aeat: crear request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeXML)
	req.Header.Set("SOAPAction", SOAPAction)

	client := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{pair}},
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError(err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return &SubmitResult{
			Success:    false,
			Error:      "Error 403: No se detecta certificado válido o no se seleccionó correctamente.",
			StatusCode: http.StatusForbidden,
		}, nil
	}

	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &SubmitResult{
			Success:    false,
			Error:      fmt.Sprintf("Error al leer la respuesta de la AEAT: %v", err),
			StatusCode: http.StatusInternalServerError,
		}, nil
	}

	return &SubmitResult{
		Success:    true,
		Response:   string(rawBody),
		StatusCode: resp.StatusCode,
	}, nil
}

// writeCredentialFiles materializa cert y clave en ficheros temporales de la
// llamada. cleanup borra ambos; es seguro llamarlo aunque la escritura
// fallara a medias.
func writeCredentialFiles(certPEM, keyPEM string) (certPath, keyPath string, cleanup func(), err error) {
	var paths []string
	cleanup = func() {
		for _, p := range paths {
			_ = os.Remove(p)
		}
	}

	certPath, err = writeTempPEM("verifactu-cert-*.pem", certPEM)
	if err != nil {
		return "", "", cleanup, err
	}
	paths = append(paths, certPath)

	keyPath, err = writeTempPEM("verifactu-key-*.pem", keyPEM)
	if err != nil {
		cleanup()
		return "", "", func() {}, err
	}
	paths = append(paths, keyPath)

	return certPath, keyPath, cleanup, nil
}

func writeTempPEM(pattern, content string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// classifyTransportError traduce el error de red a la clasificación de
// transporte del resultado.
func classifyTransportError(err error) *SubmitResult {
	var netErr net.Error
	switch {
	case isTLSError(err):
		return &SubmitResult{
			Success:    false,
			Error:      "Error SSL: Certificado inválido o no reconocido.",
			StatusCode: http.StatusForbidden,
		}
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		isConnectionError(err):
		return &SubmitResult{
			Success:    false,
			Error:      "No se pudo conectar con el servidor de la AEAT. Verifique su conexión a internet.",
			StatusCode: http.StatusServiceUnavailable,
		}
	default:
		return &SubmitResult{
			Success:    false,
			Error:      fmt.Sprintf("Error al enviar el documento: %v", err),
			StatusCode: http.StatusInternalServerError,
		}
	}
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) {
		return true
	}
	// El handshake devuelve errores sin tipo exportado; el prefijo es estable.
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
