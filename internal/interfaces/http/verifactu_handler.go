package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/verifactu-api/internal/application/billing"
	"github.com/jhoicas/verifactu-api/internal/application/dto"
	"github.com/jhoicas/verifactu-api/internal/domain"
	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/domain/repository"
	pkgverifactu "github.com/jhoicas/verifactu-api/pkg/verifactu"
)

// VeriFactuHandler expone el ciclo VeriFactu de una factura: envío a la AEAT,
// consulta de estado, descarga del registro y la ruta de escaneo del QR.
type VeriFactuHandler struct {
	orch        *billing.VeriFactuOrchestrator
	invoiceRepo repository.InvoiceRepository
}

// NewVeriFactuHandler construye el handler.
func NewVeriFactuHandler(orch *billing.VeriFactuOrchestrator, invoiceRepo repository.InvoiceRepository) *VeriFactuHandler {
	return &VeriFactuHandler{orch: orch, invoiceRepo: invoiceRepo}
}

// Send envía la factura a la AEAT.
// POST /api/invoices/:id/verifactu/send
func (h *VeriFactuHandler) Send(c *fiber.Ctx) error {
	inv, errResp := h.ownedInvoice(c)
	if errResp != nil {
		return errResp(c)
	}
	updated, err := h.orch.Send(c.Context(), inv.ID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyAccepted):
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "ALREADY_ACCEPTED", Message: "la factura ya fue aceptada por la AEAT"})
		case errors.Is(err, domain.ErrConflict):
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "IN_PROGRESS", Message: "el envío anterior sigue en proceso"})
		case errors.Is(err, domain.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "factura no encontrada"})
		case errors.Is(err, domain.ErrInvalidInput):
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
	return c.JSON(billing.ToVeriFactuStatus(updated))
}

// Status consulta el estado VeriFactu de la factura.
// GET /api/invoices/:id/verifactu
func (h *VeriFactuHandler) Status(c *fiber.Ctx) error {
	inv, errResp := h.ownedInvoice(c)
	if errResp != nil {
		return errResp(c)
	}
	return c.JSON(billing.ToVeriFactuStatus(inv))
}

// DownloadXML descarga el registro de la factura en XML. Si la factura ya
// fue enviada se devuelve el documento firmado; si no, una vista previa.
// GET /api/invoices/:id/verifactu/xml
func (h *VeriFactuHandler) DownloadXML(c *fiber.Ctx) error {
	inv, errResp := h.ownedInvoice(c)
	if errResp != nil {
		return errResp(c)
	}
	data, _, err := h.orch.RenderXML(c.Context(), inv.ID)
	if err != nil {
		return h.renderError(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/xml")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+pkgverifactu.DownloadFilename(inv.Number, "xml")+`"`)
	return c.Send(data)
}

// DownloadJSON descarga el registro en JSON (misma derivación que el XML).
// GET /api/invoices/:id/verifactu/json
func (h *VeriFactuHandler) DownloadJSON(c *fiber.Ctx) error {
	inv, errResp := h.ownedInvoice(c)
	if errResp != nil {
		return errResp(c)
	}
	data, _, err := h.orch.RenderJSON(c.Context(), inv.ID)
	if err != nil {
		return h.renderError(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+pkgverifactu.DownloadFilename(inv.Number, "json")+`"`)
	return c.Send(data)
}

// Scan resuelve la URL embebida en el QR de la factura: localiza el registro
// por su huella y devuelve su estado. Público: no expone el XML ni importes.
// GET /verifactu/scan/:hash
func (h *VeriFactuHandler) Scan(c *fiber.Ctx) error {
	hash := c.Params("hash")
	if hash == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "huella requerida"})
	}
	inv, err := h.invoiceRepo.GetByHash(c.Context(), hash)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
	if inv == nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "factura no encontrada"})
	}
	return c.JSON(fiber.Map{
		"number": inv.Number,
		"date":   inv.Date.Format("2006-01-02"),
		"state":  inv.VeriFactuState,
		"sent":   inv.VeriFactuSent,
		"csv":    inv.VeriFactuCSV,
	})
}

// ScanSend envía a la AEAT la factura localizada por huella. Requiere sesión:
// el QR de una factura no enviada lleva aquí tras autenticarse.
// POST /verifactu/scan/:hash
func (h *VeriFactuHandler) ScanSend(c *fiber.Ctx) error {
	companyID := GetCompanyID(c)
	if companyID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}
	hash := c.Params("hash")
	inv, err := h.invoiceRepo.GetByHash(c.Context(), hash)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
	if inv == nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "factura no encontrada"})
	}
	if inv.CompanyID != companyID {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Code: "FORBIDDEN", Message: "acceso denegado"})
	}
	updated, err := h.orch.Send(c.Context(), inv.ID)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyAccepted) {
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "ALREADY_ACCEPTED", Message: "la factura ya fue aceptada por la AEAT"})
		}
		return h.renderError(c, err)
	}
	return c.JSON(billing.ToVeriFactuStatus(updated))
}

// ownedInvoice resuelve :id y comprueba la pertenencia a la empresa del token.
// Devuelve la factura o un escritor de respuesta de error ya decidido.
func (h *VeriFactuHandler) ownedInvoice(c *fiber.Ctx) (*entity.Invoice, func(*fiber.Ctx) error) {
	companyID := GetCompanyID(c)
	if companyID == "" {
		return nil, func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
		}
	}
	id := c.Params("id")
	if id == "" {
		return nil, func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
		}
	}
	inv, err := h.invoiceRepo.GetByID(c.Context(), id)
	if err != nil {
		return nil, func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
		}
	}
	if inv == nil {
		return nil, func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "factura no encontrada"})
		}
	}
	if inv.CompanyID != companyID {
		return nil, func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Code: "FORBIDDEN", Message: "acceso denegado"})
		}
	}
	return inv, nil
}

func (h *VeriFactuHandler) renderError(c *fiber.Ctx, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "factura no encontrada"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
}
