package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/verifactu-api/internal/application/auth"
	"github.com/jhoicas/verifactu-api/internal/application/billing"
	"github.com/jhoicas/verifactu-api/internal/domain/entity"
	"github.com/jhoicas/verifactu-api/internal/domain/repository"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	AuthUC        *auth.AuthUseCase
	CreateInvoice *billing.CreateInvoiceUseCase
	Orchestrator  *billing.VeriFactuOrchestrator
	InvoiceRepo   repository.InvoiceRepository
	JWTSecret     string
}

// Router registra las rutas de la API.
func Router(app *fiber.App, deps RouterDeps) {
	api := app.Group("/api")

	// Auth (público)
	authGroup := api.Group("/auth")
	authHandler := NewAuthHandler(deps.AuthUC)
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)

	verifactuHandler := NewVeriFactuHandler(deps.Orchestrator, deps.InvoiceRepo)

	// Escaneo del QR: consulta pública por huella, envío con sesión
	app.Get("/verifactu/scan/:hash", verifactuHandler.Scan)
	app.Post("/verifactu/scan/:hash", AuthMiddleware(deps.JWTSecret), verifactuHandler.ScanSend)

	// Rutas protegidas (requieren Bearer Token)
	protected := api.Group("/", AuthMiddleware(deps.JWTSecret))

	// Invoices (protegido)
	invoices := protected.Group("/invoices")
	invoiceHandler := NewInvoiceHandler(deps.CreateInvoice)
	invoices.Post("/", RequireRole(entity.RoleAdmin, entity.RoleContable), invoiceHandler.Create)
	invoices.Get("/:id", invoiceHandler.GetByID)

	// Ciclo VeriFactu (protegido; el envío exige rol con permiso de emisión)
	invoices.Post("/:id/verifactu/send", RequireRole(entity.RoleAdmin, entity.RoleContable), verifactuHandler.Send)
	invoices.Get("/:id/verifactu", verifactuHandler.Status)
	invoices.Get("/:id/verifactu/xml", verifactuHandler.DownloadXML)
	invoices.Get("/:id/verifactu/json", verifactuHandler.DownloadJSON)
}
