package http

import (
	"strconv"
	"time"

	"resume-docgen/internal/domain"
	"resume-docgen/internal/model"
	"resume-docgen/internal/usecase"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	queue     *usecase.Queue
	artifacts usecase.ArtifactStore
	validate  *validator.Validate
	log       *zap.SugaredLogger

	engines func() int
	busy    func() int
}

type Option func(*Handler)

// WithEngineGauge reports running rendering engines on /stats.
func WithEngineGauge(f func() int) Option { return func(h *Handler) { h.engines = f } }

// WithBusyGauge reports in-flight jobs of the local dispatcher on /stats.
func WithBusyGauge(f func() int) Option { return func(h *Handler) { h.busy = f } }

func NewHandler(q *usecase.Queue, artifacts usecase.ArtifactStore, log *zap.SugaredLogger, opts ...Option) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Handler{queue: q, artifacts: artifacts, validate: validator.New(), log: log.Named("http")}
	for _, o := range opts {
		o(h)
	}
	return h
}

type AppConfig struct {
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewApp builds the fiber app with every route registered.
func NewApp(cfg AppConfig, h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "resume-docgen",
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          h.errorHandler,
	})
	app.Use(recover.New())
	app.Use(h.accessLog)
	h.Register(app)
	return app
}

func (h *Handler) Register(r fiber.Router) {
	r.Post("/jobs", h.EnqueueJob)
	r.Get("/jobs/:id", h.GetJob)
	r.Get("/jobs/:id/artifact", h.DownloadArtifact)
	r.Get("/stats", h.Stats)
	r.Get("/healthz", h.Health)
}

type enqueueReq struct {
	ResumeSnapshot *model.Resume `json:"resumeSnapshot" validate:"required"`
	TemplateName   string        `json:"templateName" validate:"max=64"`
	RequesterID    string        `json:"requesterId" validate:"max=128"`
	ResumeID       string        `json:"resumeId" validate:"max=128"`
	Priority       int           `json:"priority" validate:"gte=0,lte=100"`
}

func (h *Handler) EnqueueJob(c *fiber.Ctx) error {
	var req enqueueReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": validationMessage(err)})
	}

	id, err := h.queue.Enqueue(c.UserContext(), domain.KindResumeRender, domain.RenderPayload{
		Resume:       *req.ResumeSnapshot,
		TemplateName: req.TemplateName,
		RequesterID:  req.RequesterID,
		ResumeID:     req.ResumeID,
	}, req.Priority)
	if err != nil {
		return h.storeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"jobId": id.String()})
}

func (h *Handler) GetJob(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid job id"})
	}
	view, err := h.queue.GetStatus(c.UserContext(), id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(view)
	}
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(view)
}

func (h *Handler) DownloadArtifact(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid job id"})
	}
	job, err := h.queue.Get(c.UserContext(), id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"status": domain.StatusNotFound})
	}
	if err != nil {
		return h.storeError(c, err)
	}
	if job.State != domain.StateCompleted {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"status": string(job.State),
			"error":  "artifact is available once the job completes",
		})
	}

	data, contentType, err := h.artifacts.Open(c.UserContext(), job.Result)
	if errors.Is(err, domain.ErrArtifactNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "artifact no longer available"})
	}
	if err != nil {
		h.log.Errorw("artifact read failed", "job_id", id, "artifact", job.Result, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "artifact read failed"})
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+job.Result+`"`)
	return c.Send(data)
}

func (h *Handler) Stats(c *fiber.Ctx) error {
	counts, err := h.queue.Stats(c.UserContext())
	if err != nil {
		return h.storeError(c, err)
	}
	jobs := fiber.Map{}
	for _, s := range []domain.JobState{domain.StateQueued, domain.StateActive, domain.StateCompleted, domain.StateFailed} {
		jobs[string(s)] = counts[s]
	}
	out := fiber.Map{"jobs": jobs}
	if h.engines != nil {
		out["activeEngines"] = h.engines()
	}
	if h.busy != nil {
		out["busyWorkers"] = h.busy()
	}
	return c.JSON(out)
}

func (h *Handler) Health(c *fiber.Ctx) error {
	if err := h.queue.Ping(c.UserContext()); err != nil {
		h.log.Warnw("health check failed", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) storeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		h.log.Warnw("job store unavailable", "path", c.Path(), "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "job store unavailable"})
	}
	h.log.Errorw("request failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

func (h *Handler) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else {
		h.log.Errorw("unhandled error", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": statusMessage(code, fe)})
}

func (h *Handler) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	h.log.Debugw("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"latency", time.Since(start))
	return err
}

func statusMessage(code int, fe *fiber.Error) string {
	if fe != nil && fe.Message != "" {
		return fe.Message
	}
	return "request failed with status " + strconv.Itoa(code)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		name := fe.Field()
		switch fe.Tag() {
		case "required":
			return lowerFirst(name) + " is required"
		default:
			return lowerFirst(name) + " is out of range"
		}
	}
	return "invalid payload"
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
