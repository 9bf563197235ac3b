package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Routes collects everything RegisterRoutes mounts. Nil middleware is
// skipped.
type Routes struct {
	Patients  *PatientHandler
	Analysis  *AnalysisHandler
	Reports   *ReportHandler
	Reference *ReferenceHandler
	Health    *HealthHandler
	WebSocket *WebSocketHandler

	AnalyzeLimit fiber.Handler
	ImageUpload  fiber.Handler
	Metrics      fiber.Handler
}

func RegisterRoutes(app *fiber.App, r Routes) {
	api := app.Group("/api")

	api.Get("/health", r.Health.Health)
	api.Get("/ready", r.Health.Ready)

	api.Post("/patients", r.Patients.CreatePatient)
	api.Get("/patients", r.Patients.ListPatients)
	api.Get("/patients/:id", r.Patients.GetPatient)

	api.Post("/analyze", chain(r.Analysis.Analyze, r.AnalyzeLimit, r.ImageUpload)...)
	api.Post("/analyze/rule", chain(r.Analysis.AnalyzeRule, r.AnalyzeLimit)...)

	api.Get("/reports/:patientId", r.Reports.ListReports)
	api.Get("/analytics/:patientId", r.Reports.Analytics)

	api.Get("/reference", r.Reference.Stats)
	api.Post("/reference/refresh", r.Reference.Refresh)

	if r.Metrics != nil {
		app.Get("/metrics", r.Metrics)
	}

	if r.WebSocket != nil {
		app.Use("/ws", r.WebSocket.Upgrade)
		app.Get("/ws/analyze", websocket.New(r.WebSocket.HandleConnection))
	}
}

func chain(h fiber.Handler, middleware ...fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(middleware)+1)
	for _, m := range middleware {
		if m != nil {
			out = append(out, m)
		}
	}
	return append(out, h)
}
