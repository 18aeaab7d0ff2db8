package compose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"resume-docgen/internal/model"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleResume() model.Resume {
	return model.Resume{
		Personal: model.Personal{
			FullName: "Ada Lovelace",
			Headline: "Analyst",
			Email:    "ada@example.com",
			GitHub:   "github.com/ada",
		},
		Summary: "First programmer.",
		Experience: []model.Experience{
			{Company: "Analytical Engines Ltd", Position: "Engineer", StartDate: "1842-01", Current: true,
				Highlights: []string{"Wrote the first algorithm"}},
			{Company: "Babbage & Co", Position: "Consultant", StartDate: "1840-03", EndDate: "1841-12"},
		},
		Skills: []model.Skill{
			{Name: "Mathematics", Category: "Science"},
			{Name: "Poetry"},
			{Name: "Logic", Level: "Expert", Category: "Science"},
		},
		Certifications: []model.Certification{
			{Name: "Royal Society Fellow", URL: "https://www.royalsociety.org.uk/fellows/ada", Date: "1843-05-01"},
		},
	}
}

func TestCompose_AllTemplatesResolveEveryPlaceholder(t *testing.T) {
	t.Parallel()
	r := NewResolver("", zap.NewNop().Sugar())

	for _, name := range r.Names() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			doc, err := Compose(r.Resolve(name), sampleResume())
			require.NoError(t, err)
			assert.Empty(t, Unresolved(doc.HTML))
			assert.Contains(t, doc.HTML, "Analytical Engines Ltd")
			assert.Contains(t, doc.HTML, "Babbage &amp; Co")
			assert.Equal(t, "Ada Lovelace - Resume", doc.Title)
			assert.False(t, doc.Fallback)
		})
	}
}

func TestCompose_Idempotent(t *testing.T) {
	t.Parallel()
	tpl := NewResolver("", nil).Resolve("modern")

	first, err := Compose(tpl, sampleResume())
	require.NoError(t, err)
	second, err := Compose(tpl, sampleResume())
	require.NoError(t, err)

	assert.Equal(t, first.HTML, second.HTML)
}

func TestCompose_EmptyEducationHasNoHeading(t *testing.T) {
	t.Parallel()
	r := sampleResume()
	r.Education = nil

	doc, err := Compose(NewResolver("", nil).Resolve(DefaultTemplate), r)
	require.NoError(t, err)

	assert.NotContains(t, doc.HTML, "section-education")
	assert.NotContains(t, doc.HTML, "<h2>Education</h2>")
}

func TestCompose_MissingOptionalFields(t *testing.T) {
	t.Parallel()

	doc, err := Compose(NewResolver("", nil).Resolve("classic"), model.Resume{})
	require.NoError(t, err)

	assert.Empty(t, Unresolved(doc.HTML))
	assert.Equal(t, "Resume", doc.Title)
	for _, heading := range []string{"Experience", "Education", "Skills", "Languages", "Projects", "Certifications", "References", "Summary"} {
		assert.NotContains(t, doc.HTML, "<h2>"+heading+"</h2>")
	}
}

func TestCompose_UserContentCannotForgeTokens(t *testing.T) {
	t.Parallel()
	r := sampleResume()
	r.Summary = "literally {{name}} and {{unknown}}"
	r.Personal.Headline = "{{experience}}"

	doc, err := Compose(NewResolver("", nil).Resolve(DefaultTemplate), r)
	require.NoError(t, err)

	assert.Empty(t, Unresolved(doc.HTML))
	assert.Contains(t, doc.HTML, "&#123;&#123;name&#125;&#125;")
}

func TestCompose_EscapesMarkup(t *testing.T) {
	t.Parallel()
	r := sampleResume()
	r.Experience[0].Company = `<script>alert("x")</script>`

	doc, err := Compose(NewResolver("", nil).Resolve(DefaultTemplate), r)
	require.NoError(t, err)

	assert.NotContains(t, doc.HTML, "<script>")
	assert.Contains(t, doc.HTML, "&lt;script&gt;")
}

func TestCompose_UnknownPlaceholderIsReported(t *testing.T) {
	t.Parallel()
	tpl := Template{Name: "broken", Skeleton: "<h1>{{name}}</h1><p>{{nmae}}</p><p>{{ summary }}</p>"}

	_, err := Compose(tpl, sampleResume())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedPlaceholder))
	assert.Contains(t, err.Error(), "nmae")
	assert.Contains(t, err.Error(), "summary")
}

func TestCompose_SkillsGroupedByCategory(t *testing.T) {
	t.Parallel()

	frags, err := RenderSections(sampleResume())
	require.NoError(t, err)

	skills := frags[TokenSkills]
	assert.Equal(t, 1, strings.Count(skills, "Science: "))
	assert.Less(t, strings.Index(skills, "Mathematics"), strings.Index(skills, "Logic"))
	assert.Contains(t, skills, "Logic (Expert)")
}

func TestCompose_CertificationLinkLabel(t *testing.T) {
	t.Parallel()

	frags, err := RenderSections(sampleResume())
	require.NoError(t, err)

	assert.Contains(t, frags[TokenCertifications], ">royalsociety.org.uk</a>")
	assert.Contains(t, frags[TokenCertifications], "(May 1843)")
}

func TestResolver(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "minimal.html"), []byte("<h1>{{name}}</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modern.html"), []byte("<h2>{{name}}</h2>"), 0o644))
	r := NewResolver(dir, zap.NewNop().Sugar())

	tests := []struct {
		name         string
		request      string
		wantName     string
		wantFallback bool
		wantContains string
	}{
		{name: "builtin", request: "classic", wantName: "classic", wantContains: "Georgia"},
		{name: "case and space insensitive", request: "  Classic ", wantName: "classic"},
		{name: "override dir", request: "minimal", wantName: "minimal", wantContains: "<h1>{{name}}</h1>"},
		{name: "override shadows builtin", request: "modern", wantName: "modern", wantContains: "<h2>{{name}}</h2>"},
		{name: "empty means default", request: "", wantName: DefaultTemplate},
		{name: "missing falls back", request: "nonexistent", wantName: DefaultTemplate, wantFallback: true},
		{name: "traversal falls back", request: "../etc/passwd", wantName: DefaultTemplate, wantFallback: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tpl := r.Resolve(tt.request)
			assert.Equal(t, tt.wantName, tpl.Name)
			assert.Equal(t, tt.wantFallback, tpl.Fallback)
			assert.NotEmpty(t, tpl.Skeleton)
			if tt.wantContains != "" {
				assert.Contains(t, tpl.Skeleton, tt.wantContains)
			}
		})
	}

	_, err := r.Lookup("nonexistent")
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
	assert.Equal(t, []string{"classic", "default", "minimal", "modern"}, r.Names())
}

func TestComposer_FallsBackForMissingTemplate(t *testing.T) {
	t.Parallel()
	c := NewComposer(NewResolver("", nil), nil)

	doc, err := c.Compose("nonexistent", sampleResume())
	require.NoError(t, err)
	assert.True(t, doc.Fallback)
	assert.Equal(t, DefaultTemplate, doc.Template)
}
