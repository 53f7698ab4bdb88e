package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jhoicas/verifactu-api/internal/application/auth"
	"github.com/jhoicas/verifactu-api/internal/application/billing"
	infraaeat "github.com/jhoicas/verifactu-api/internal/infrastructure/aeat"
	"github.com/jhoicas/verifactu-api/internal/infrastructure/aeat/signer"
	"github.com/jhoicas/verifactu-api/internal/infrastructure/postgres"
	httpRouter "github.com/jhoicas/verifactu-api/internal/interfaces/http"
	"github.com/jhoicas/verifactu-api/pkg/config"
	"github.com/jhoicas/verifactu-api/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:     cfg.App.Env,
		Level:   "info",
		Service: cfg.App.Name,
	})
	log.Info().
		Str("env", cfg.App.Env).
		Str("app", cfg.App.Name).
		Bool("verifactu_test_mode", cfg.VeriFactu.TestMode).
		Msg("iniciando aplicación")

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("conexión a PostgreSQL")
	}
	defer pool.Close()

	companyRepo := postgres.NewCompanyRepository(pool)
	userRepo := postgres.NewUserRepository(pool)
	customerRepo := postgres.NewCustomerRepository(pool)
	invoiceRepo := postgres.NewInvoiceRepository(pool)
	signatureRepo := postgres.NewSignatureRepository(pool)
	txRunner := postgres.NewTxRunner(pool)

	recordBuilder := infraaeat.NewRecordBuilderService()
	signerSvc := signer.NewDigitalSignatureService()

	// La validación de esquema es obligatoria: sin recurso de reglas no se
	// arranca, un registro nunca se envía sin validar.
	if cfg.VeriFactu.SchemaPath == "" {
		log.Fatal().Msg("VERIFACTU_SCHEMA_PATH es obligatorio")
	}
	validator := infraaeat.NewSchemaValidator(cfg.VeriFactu.SchemaPath)

	soapClient := infraaeat.NewSOAPClient(time.Duration(cfg.VeriFactu.TimeoutSeconds) * time.Second)

	vfCfg := billing.VeriFactuConfig{
		TestMode:     cfg.VeriFactu.TestMode,
		BaseURL:      cfg.VeriFactu.BaseURL,
		SystemName:   cfg.VeriFactu.SystemName,
		SystemID:     cfg.VeriFactu.SystemID,
		Installation: cfg.VeriFactu.Installation,
	}

	// Identidad por defecto del despliegue desde un contenedor .p12 (FNMT),
	// para empresas que aún no cargaron su par PEM propio.
	if cfg.VeriFactu.CertP12Path != "" {
		p12, err := os.ReadFile(cfg.VeriFactu.CertP12Path)
		if err != nil {
			log.Fatal().Err(err).Msg("leer contenedor .p12")
		}
		certPEM, keyPEM, err := signer.CredentialsFromP12(p12, cfg.VeriFactu.CertP12Password)
		if err != nil {
			log.Fatal().Err(err).Msg("extraer identidad del .p12")
		}
		vfCfg.DefaultCertPEM = certPEM
		vfCfg.DefaultKeyPEM = keyPEM
	}

	// VeriFactuOrchestrator: ciclo Encadenamiento → Huella → XML → Firma → Validación → Envío SOAP → Update DB
	orchestrator := billing.NewVeriFactuOrchestrator(
		invoiceRepo, companyRepo, customerRepo, signatureRepo,
		recordBuilder, signerSvc, validator, soapClient,
		vfCfg,
		log,
	)

	createInvoiceUC := billing.NewCreateInvoiceUseCase(txRunner, customerRepo, invoiceRepo)

	authUC := auth.NewAuthUseCase(userRepo, companyRepo, auth.JWTConfig{
		Secret:     cfg.JWT.Secret,
		ExpMinutes: cfg.JWT.Expiration,
		Issuer:     cfg.JWT.Issuer,
	})

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
		IdleTimeout:  time.Second * 60,
	})
	app.Use(recover.New())

	// Swagger UI en local: http://localhost:<port>/docs
	app.Use(swagger.New(swagger.Config{
		BasePath: "/",
		FilePath: "./docs/swagger.json",
		Path:     "docs",
		Title:    "VeriFactu API",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": cfg.App.Name})
	})

	httpRouter.Router(app, httpRouter.RouterDeps{
		AuthUC:        authUC,
		CreateInvoice: createInvoiceUC,
		Orchestrator:  orchestrator,
		InvoiceRepo:   invoiceRepo,
		JWTSecret:     cfg.JWT.Secret,
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			log.Error().Err(err).Msg("servidor HTTP finalizado")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("señal de apagado recibida, cerrando servidor...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apagado del servidor")
	}

	log.Info().Msg("aplicación detenida")
}
