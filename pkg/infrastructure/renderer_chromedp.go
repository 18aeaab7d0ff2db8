package infrastructure

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync/atomic"

	"resume-docgen/internal/domain"
	"resume-docgen/pkg/compose"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// A4: 210mm x 297mm -> inches: 8.27 x 11.69
	a4Width  = 8.27
	a4Height = 11.69
	margin   = 0.4

	defaultMaxPDFBytes = 20 << 20

	headerTemplate = `<div style="font-size:8px;width:100%;padding:0 0.4in;color:#888;"><span class="title"></span></div>`
	footerTemplate = `<div style="font-size:8px;width:100%;text-align:center;color:#888;">Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
)

var chromeCandidates = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"}

type RendererConfig struct {
	// ChromePath overrides CHROME_PATH and the PATH lookup.
	ChromePath    string
	MaxConcurrent int
	MaxPDFBytes   int
}

// ChromedpRenderer prints composed HTML through headless Chrome. Each render
// gets its own browser process, which is torn down before Render returns
// whatever the outcome.
type ChromedpRenderer struct {
	cfg      RendererConfig
	execPath string
	sem      *semaphore.Weighted
	active   atomic.Int32
	log      *zap.SugaredLogger
}

func NewChromedpRenderer(cfg RendererConfig, log *zap.SugaredLogger) (*ChromedpRenderer, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxPDFBytes <= 0 {
		cfg.MaxPDFBytes = defaultMaxPDFBytes
	}
	path, err := ResolveChromePath(cfg.ChromePath)
	if err != nil {
		return nil, err
	}
	log = log.Named("renderer")
	log.Infow("using chrome", "path", path, "max_concurrent", cfg.MaxConcurrent)
	return &ChromedpRenderer{
		cfg:      cfg,
		execPath: path,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:      log,
	}, nil
}

// ResolveChromePath finds a Chrome binary: explicit path, then CHROME_PATH,
// then well-known names on PATH.
func ResolveChromePath(configured string) (string, error) {
	for _, p := range []string{configured, os.Getenv("CHROME_PATH")} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return "", errors.WithHintf(errors.Mark(errors.Wrapf(err, "chrome at %s", p), domain.ErrEngineUnavailable),
				"chrome binary %s does not exist", p)
		}
		return p, nil
	}
	for _, name := range chromeCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", errors.WithHint(domain.ErrEngineUnavailable, "no chrome binary found; set CHROME_PATH")
}

func (r *ChromedpRenderer) ExecPath() string { return r.execPath }

// Active reports how many browser processes are currently running.
func (r *ChromedpRenderer) Active() int { return int(r.active.Load()) }

func (r *ChromedpRenderer) allocatorOptions() []chromedp.ExecAllocatorOption {
	return append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(r.execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
	)
}

// printParams fixes the page format. Templates cannot change the paper size
// through @page, and every page carries the title header and page footer.
func (r *ChromedpRenderer) printParams() *page.PrintToPDFParams {
	return page.PrintToPDF().
		WithPrintBackground(true).
		WithPaperWidth(a4Width).
		WithPaperHeight(a4Height).
		WithMarginTop(margin).
		WithMarginBottom(margin).
		WithMarginLeft(margin).
		WithMarginRight(margin).
		WithDisplayHeaderFooter(true).
		WithHeaderTemplate(headerTemplate).
		WithFooterTemplate(footerTemplate)
}

func (r *ChromedpRenderer) Render(ctx context.Context, doc compose.Document) ([]byte, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, classifyEngineError(ctx, errors.Wrap(err, "wait for engine slot"))
	}
	defer r.sem.Release(1)
	r.active.Add(1)
	defer r.active.Add(-1)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, r.allocatorOptions()...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithErrorf(r.log.Debugf))
	defer cancelTab()

	var pdf []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, doc.HTML).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = r.printParams().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, classifyEngineError(ctx, err)
	}
	return r.checkOutput(pdf)
}

func (r *ChromedpRenderer) checkOutput(pdf []byte) ([]byte, error) {
	if len(pdf) == 0 || !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return nil, errors.WithHint(errors.Mark(errors.New("empty print output"), domain.ErrEngineCrash),
			"rendering engine produced no document")
	}
	if len(pdf) > r.cfg.MaxPDFBytes {
		return nil, errors.WithHintf(errors.Mark(errors.Newf("pdf is %d bytes", len(pdf)), domain.ErrInvalidContent),
			"document exceeds %d MB", r.cfg.MaxPDFBytes>>20)
	}
	return pdf, nil
}

// classifyEngineError marks err with the failure it represents. A protocol
// error means Chrome rejected the document; anything else is the engine.
func classifyEngineError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(errors.Wrap(err, "render"), domain.ErrRenderTimeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return errors.Wrap(err, "render canceled")
	}
	var protoErr *cdproto.Error
	if errors.As(err, &protoErr) {
		return errors.WithHint(errors.Mark(errors.Wrap(err, "render"), domain.ErrInvalidContent),
			"document could not be loaded")
	}
	return errors.Mark(errors.Wrap(err, "render"), domain.ErrEngineCrash)
}
