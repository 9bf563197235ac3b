package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	reqvalidation "github.com/pavit-health/backend/internal/middleware/validation"
	"github.com/pavit-health/backend/internal/pipeline"
	"github.com/pavit-health/backend/pkg/logger"
)

// WebSocketHandler runs analyses over a socket and streams each stage as it
// starts and finishes.
type WebSocketHandler struct {
	analyzer     Analyzer
	patients     PatientStore
	uploadDir    string
	validate     bool
	maxImageSize int64
	timeout      time.Duration
}

func NewWebSocketHandler(analyzer Analyzer, patients PatientStore, uploadDir string, validate bool, maxImageSize int64, timeout time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebSocketHandler{
		analyzer:     analyzer,
		patients:     patients,
		uploadDir:    uploadDir,
		validate:     validate,
		maxImageSize: maxImageSize,
		timeout:      timeout,
	}
}

type wsRequest struct {
	Type           string   `json:"type"`
	PatientID      string   `json:"patient_id"`
	Image          []byte   `json:"image"`
	SkipValidation bool     `json:"skip_validation"`
	Disease        string   `json:"disease"`
	Confidence     *float64 `json:"confidence"`
}

// Upgrade rejects plain HTTP requests on the socket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsRequest
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		var err error
		switch msg.Type {
		case "analyze":
			err = h.runImage(c, msg)
		case "rule":
			err = h.runRule(c, msg)
		default:
			err = h.sendError(c, "unknown message type: "+msg.Type)
		}
		if err != nil {
			logger.Warn("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) runImage(c *websocket.Conn, msg wsRequest) error {
	img, err := reqvalidation.CheckImage(msg.Image, h.maxImageSize, nil)
	if err != nil {
		return h.sendError(c, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if ok, err := h.knownPatient(ctx, c, msg.PatientID); !ok {
		return err
	}

	path, err := saveUpload(h.uploadDir, msg.PatientID, img)
	if err != nil {
		logger.Error("Failed to save upload", zap.String("patient_id", msg.PatientID), zap.Error(err))
		return h.sendError(c, "Failed to save image")
	}

	var writeErr error
	res, runErr := h.analyzer.Analyze(ctx, pipeline.AnalyzeRequest{
		PatientID:        msg.PatientID,
		Image:            img.Data,
		ImagePath:        path,
		Validate:         h.validate && !msg.SkipValidation,
		EnforceThreshold: true,
		Observer:         h.observer(c, &writeErr),
	})
	discardUnreferenced(res, path)

	if writeErr != nil {
		return writeErr
	}
	return h.sendComplete(c, res, runErr)
}

func (h *WebSocketHandler) runRule(c *websocket.Conn, msg wsRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if ok, err := h.knownPatient(ctx, c, msg.PatientID); !ok {
		return err
	}

	confidence := defaultRuleConfidence
	if msg.Confidence != nil {
		confidence = *msg.Confidence
	}

	var writeErr error
	res, runErr := h.analyzer.AnalyzeRule(ctx, pipeline.RuleRequest{
		PatientID:  msg.PatientID,
		Disease:    msg.Disease,
		Confidence: confidence,
		Observer:   h.observer(c, &writeErr),
	})
	if writeErr != nil {
		return writeErr
	}
	return h.sendComplete(c, res, runErr)
}

// knownPatient reports false when the patient is missing or the lookup
// failed; the returned error is only a write failure.
func (h *WebSocketHandler) knownPatient(ctx context.Context, c *websocket.Conn, patientID string) (bool, error) {
	if patientID == "" {
		return false, h.sendError(c, "patient_id is required")
	}
	if status, msg := checkPatient(ctx, h.patients, patientID); status != fiber.StatusOK {
		return false, h.sendError(c, msg)
	}
	return true, nil
}

// observer forwards stage events. The final event is sent by sendComplete.
func (h *WebSocketHandler) observer(c *websocket.Conn, writeErr *error) pipeline.Observer {
	return func(e pipeline.Event) {
		if e.State == pipeline.EventDone || *writeErr != nil {
			return
		}
		*writeErr = c.WriteJSON(fiber.Map{
			"type":  "stage",
			"event": e,
		})
	}
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, res *pipeline.Result, runErr error) error {
	msg := fiber.Map{
		"type":   "complete",
		"code":   resultStatus(runErr),
		"result": res,
	}
	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) error {
	return c.WriteJSON(fiber.Map{
		"type":  "error",
		"error": errorMsg,
	})
}
