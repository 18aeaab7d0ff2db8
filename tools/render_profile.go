package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"resume-docgen/internal/model"
	"resume-docgen/pkg/compose"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// render_profile composes a resume snapshot into HTML without starting Chrome,
// for iterating on template skeletons.
func main() {
	var (
		templateName string
		templatesDir string
		out          string
	)
	cmd := &cobra.Command{
		Use:          "render_profile <resume.json>",
		Short:        "Compose a resume snapshot into HTML",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
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

			resolver := compose.NewResolver(templatesDir, nil)
			doc, err := compose.NewComposer(resolver, nil).Compose(templateName, resume)
			if err != nil {
				return err
			}
			if doc.Fallback && templateName != "" {
				pterm.Warning.Printf("template %q not found, used %q (available: %s)\n",
					templateName, doc.Template, strings.Join(resolver.Names(), ", "))
			}

			if out == "" {
				out = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])) + "_" + doc.Template + ".html"
			}
			if err := os.WriteFile(out, []byte(doc.HTML), 0o644); err != nil {
				return errors.Wrap(err, "write html")
			}
			pterm.Success.Printf("wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&templateName, "template", "t", "", "template name")
	cmd.Flags().StringVar(&templatesDir, "templates", "", "directory with extra <name>.html skeletons")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file")

	if err := cmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
