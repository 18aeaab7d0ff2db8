package usecase

import (
	"bytes"
	"context"
	"time"

	"resume-docgen/internal/domain"
	"resume-docgen/internal/model"
	"resume-docgen/pkg/compose"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const DefaultRenderTimeout = 30 * time.Second

var pdfMagic = []byte("%PDF")

type ProcessorConfig struct {
	// RenderTimeout bounds a single engine run.
	RenderTimeout time.Duration
	// KeepHTML stores the composed markup next to the PDF.
	KeepHTML bool
}

// Processor handles resume.render jobs: validate, compose, render, store.
type Processor struct {
	renderer  Renderer
	artifacts ArtifactStore
	composer  *compose.Composer
	cfg       ProcessorConfig
	log       *zap.SugaredLogger
}

func NewProcessor(r Renderer, artifacts ArtifactStore, composer *compose.Composer, cfg ProcessorConfig, log *zap.SugaredLogger) *Processor {
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Processor{renderer: r, artifacts: artifacts, composer: composer, cfg: cfg, log: log.Named("processor")}
}

// RenderTimeout is the per-job engine budget.
func (p *Processor) RenderTimeout() time.Duration { return p.cfg.RenderTimeout }

func (p *Processor) Handle(ctx context.Context, job *domain.RenderJob) (string, error) {
	if job.Kind != domain.KindResumeRender {
		return "", errors.WithHintf(errors.Wrapf(domain.ErrUnknownKind, "kind %q", job.Kind), "unsupported job kind %q", job.Kind)
	}
	log := p.log.With("job_id", job.ID, "attempt", job.Attempts, "template", job.Payload.TemplateName)

	if err := model.Validate(job.Payload.Resume); err != nil {
		return "", errors.Mark(err, domain.ErrInvalidContent)
	}

	doc, err := p.composer.Compose(job.Payload.TemplateName, job.Payload.Resume)
	if err != nil {
		if errors.Is(err, compose.ErrUnresolvedPlaceholder) {
			return "", errors.Mark(err, domain.ErrInvalidContent)
		}
		return "", errors.Wrap(err, "compose document")
	}
	if doc.Fallback {
		log.Warnw("template not found, rendered with default", "used", doc.Template)
	}

	if p.cfg.KeepHTML {
		// best-effort preview copy; the PDF is the artifact of record
		if ref, err := p.artifacts.SaveAs(ctx, job.ID.String(), ".html", []byte(doc.HTML)); err != nil {
			log.Warnw("saving composed html failed", "error", err)
		} else {
			log.Debugw("composed html saved", "ref", ref)
		}
	}

	pdf, err := p.render(ctx, doc)
	if err != nil {
		return "", err
	}

	ref, err := p.artifacts.Save(ctx, job.ID, pdf)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "save artifact"), domain.ErrArtifactWrite)
	}
	log.Infow("artifact stored", "ref", ref, "bytes", len(pdf))
	return ref, nil
}

func (p *Processor) render(ctx context.Context, doc compose.Document) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RenderTimeout)
	defer cancel()

	start := time.Now()
	pdf, err := p.renderer.Render(rctx, doc)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrRenderTimeout) {
			err = errors.Mark(err, domain.ErrRenderTimeout)
		}
		return nil, errors.Wrapf(err, "render after %s", time.Since(start).Round(time.Millisecond))
	}
	if len(pdf) == 0 || !bytes.HasPrefix(pdf, pdfMagic) {
		return nil, errors.WithHint(
			errors.Mark(errors.Newf("invalid PDF output (len=%d)", len(pdf)), domain.ErrEngineCrash),
			"rendering engine produced no document",
		)
	}
	return pdf, nil
}
