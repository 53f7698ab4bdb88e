// Package verifactu contiene helpers públicos de facturación VeriFactu que no
// dependen de la infraestructura: la URL de verificación del QR y el nombre
// del archivo de descarga del registro.
package verifactu

import (
	"fmt"
	"strings"
)

// ScanURL construye la URL de verificación que se embebe en el código QR de la
// factura. El escaneo lleva a la ruta de consulta por huella; la factura se
// localiza por su huella, no por su ID interno.
func ScanURL(baseURL, huella string) string {
	return fmt.Sprintf("%s/verifactu/scan/%s", strings.TrimRight(baseURL, "/"), huella)
}

// DownloadFilename devuelve el nombre de archivo para descargar el registro de
// una factura, con las barras del número sustituidas para que sea un nombre válido.
func DownloadFilename(number, ext string) string {
	return fmt.Sprintf("factura_%s.%s", strings.ReplaceAll(number, "/", "_"), ext)
}
