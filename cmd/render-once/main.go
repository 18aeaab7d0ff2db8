package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"resume-docgen/internal/adapter/repository"
	"resume-docgen/internal/domain"
	"resume-docgen/internal/model"
	"resume-docgen/internal/usecase"
	"resume-docgen/pkg/compose"
	"resume-docgen/pkg/infrastructure"
	"resume-docgen/pkg/logger"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	templateName string
	outDir       string
	chromePath   string
	templatesDir string
	keepHTML     bool
	timeout      time.Duration
	verbose      bool
)

// render-once pushes one resume file through the full pipeline (in-memory
// queue, dispatcher, compositor, Chrome, artifact store) without a database.
var rootCmd = &cobra.Command{
	Use:          "render-once <resume.json>",
	Short:        "Render a single resume snapshot to PDF",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&templateName, "template", "t", "", "template name (default, modern, classic or one from --templates)")
	rootCmd.Flags().StringVarP(&outDir, "out", "o", "out", "artifact directory")
	rootCmd.Flags().StringVar(&chromePath, "chrome", "", "Chrome binary (defaults to CHROME_PATH or PATH lookup)")
	rootCmd.Flags().StringVar(&templatesDir, "templates", "", "directory with extra <name>.html skeletons")
	rootCmd.Flags().BoolVar(&keepHTML, "html", false, "also write the composed HTML")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "render timeout")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.New(level, false)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "read resume")
	}
	if err := model.ValidateJSON(raw); err != nil {
		return err
	}
	var resume model.Resume
	if err := json.Unmarshal(raw, &resume); err != nil {
		return errors.Wrap(err, "decode resume")
	}

	renderer, err := infrastructure.NewChromedpRenderer(infrastructure.RendererConfig{ChromePath: chromePath}, log)
	if err != nil {
		return err
	}
	artifacts, err := infrastructure.NewFSArtifactStore(outDir, log)
	if err != nil {
		return err
	}
	queue := usecase.NewQueue(repository.NewMemoryJobsRepo(), artifacts, usecase.QueueConfig{MaxAttempts: 1}, log)
	composer := compose.NewComposer(compose.NewResolver(templatesDir, log), log)
	processor := usecase.NewProcessor(renderer, artifacts, composer, usecase.ProcessorConfig{
		RenderTimeout: timeout,
		KeepHTML:      keepHTML,
	}, log)
	dispatcher := usecase.NewDispatcher(queue, processor, usecase.DispatcherConfig{
		Workers:     1,
		IdleBackoff: 50 * time.Millisecond,
		JobTimeout:  timeout + 5*time.Second,
		InstanceID:  "render-once",
	}, log)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	id, err := queue.Enqueue(ctx, domain.KindResumeRender, domain.RenderPayload{
		Resume:       resume,
		TemplateName: templateName,
		RequesterID:  "render-once",
	}, domain.MaxPriority)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(ctx)
	}()

	spinner, _ := pterm.DefaultSpinner.Start("rendering " + args[0])
	view, err := waitTerminal(ctx, queue, id, timeout+10*time.Second)
	cancel()
	<-done
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	if view.Status != string(domain.StateCompleted) {
		spinner.Fail("render failed: " + view.Error)
		return errors.Newf("job %s %s: %s", id, view.Status, view.Error)
	}
	spinner.Success("wrote " + artifacts.Dir() + "/" + view.Result)
	return nil
}

func waitTerminal(ctx context.Context, q *usecase.Queue, id uuid.UUID, limit time.Duration) (domain.StatusView, error) {
	deadline := time.After(limit)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return domain.StatusView{}, ctx.Err()
		case <-deadline:
			return domain.StatusView{}, errors.Newf("job %s did not finish within %s", id, limit)
		case <-tick.C:
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			return domain.StatusView{}, err
		}
		if job.State.Terminal() {
			return job.View(), nil
		}
	}
}
