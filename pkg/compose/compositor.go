package compose

import (
	"regexp"
	"sort"
	"strings"

	"resume-docgen/internal/model"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Placeholder tokens understood by every skeleton.
const (
	TokenTitle          = "title"
	TokenName           = "name"
	TokenHeadline       = "headline"
	TokenEmail          = "email"
	TokenPhone          = "phone"
	TokenLocation       = "location"
	TokenWebsite        = "website"
	TokenLinkedIn       = "linkedin"
	TokenGitHub         = "github"
	TokenContact        = "contact"
	TokenSummary        = "summary"
	TokenEducation      = "education"
	TokenExperience     = "experience"
	TokenSkills         = "skills"
	TokenLanguages      = "languages"
	TokenProjects       = "projects"
	TokenCertifications = "certifications"
	TokenReferences     = "references"
	TokenCustom         = "custom"
)

var scalarTokens = []string{
	TokenTitle, TokenName, TokenHeadline, TokenEmail, TokenPhone,
	TokenLocation, TokenWebsite, TokenLinkedIn, TokenGitHub,
}

var sectionTokens = []string{
	TokenContact, TokenSummary, TokenEducation, TokenExperience, TokenSkills,
	TokenLanguages, TokenProjects, TokenCertifications, TokenReferences, TokenCustom,
}

// Tokens returns every known placeholder name.
func Tokens() []string {
	out := append(append([]string{}, scalarTokens...), sectionTokens...)
	sort.Strings(out)
	return out
}

// ErrUnresolvedPlaceholder means a placeholder survived substitution, which
// is a broken skeleton rather than a transient condition.
var ErrUnresolvedPlaceholder = errors.New("unresolved template placeholder")

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]*)\s*\}\}`)

// Document is the composed markup handed to the rendering engine.
type Document struct {
	Title    string
	HTML     string
	Template string
	Fallback bool
}

// Compose substitutes every placeholder of tpl in a single pass and then
// verifies nothing that looks like a placeholder is left. It is a pure
// function of its inputs.
func Compose(tpl Template, r model.Resume) (Document, error) {
	fragments, err := RenderSections(r)
	if err != nil {
		return Document{}, err
	}

	title := DocumentTitle(r)
	p := r.Personal
	values := map[string]string{
		TokenTitle:    escapeText(title),
		TokenName:     escapeText(strings.TrimSpace(p.FullName)),
		TokenHeadline: escapeText(strings.TrimSpace(p.Headline)),
		TokenEmail:    escapeText(strings.TrimSpace(p.Email)),
		TokenPhone:    escapeText(strings.TrimSpace(p.Phone)),
		TokenLocation: escapeText(strings.TrimSpace(p.Location)),
		TokenWebsite:  escapeText(strings.TrimSpace(p.Website)),
		TokenLinkedIn: escapeText(strings.TrimSpace(p.LinkedIn)),
		TokenGitHub:   escapeText(strings.TrimSpace(p.GitHub)),
	}
	for k, v := range fragments {
		values[k] = v
	}

	pairs := make([]string, 0, 2*len(values))
	for _, tok := range Tokens() {
		pairs = append(pairs, "{{"+tok+"}}", values[tok])
	}
	out := strings.NewReplacer(pairs...).Replace(tpl.Skeleton)

	if left := Unresolved(out); len(left) > 0 {
		return Document{}, errors.WithHintf(
			errors.Wrapf(ErrUnresolvedPlaceholder, "template %q: %s", tpl.Name, strings.Join(left, ", ")),
			"template %q has unknown placeholders: %s", tpl.Name, strings.Join(left, ", "),
		)
	}

	return Document{Title: title, HTML: out, Template: tpl.Name, Fallback: tpl.Fallback}, nil
}

// Unresolved lists the distinct placeholder names still present in s.
func Unresolved(s string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var names []string
	for _, m := range matches {
		name := m[1]
		if name == "" {
			name = m[0]
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DocumentTitle is shown in the <title> and in the page header.
func DocumentTitle(r model.Resume) string {
	name := strings.TrimSpace(r.Personal.FullName)
	if name == "" {
		return "Resume"
	}
	return name + " - Resume"
}

// Composer binds a Resolver to Compose.
type Composer struct {
	resolver *Resolver
	log      *zap.SugaredLogger
}

func NewComposer(resolver *Resolver, log *zap.SugaredLogger) *Composer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Composer{resolver: resolver, log: log.Named("compose")}
}

// Compose resolves templateName (falling back to the default skeleton) and
// composes the document.
func (c *Composer) Compose(templateName string, r model.Resume) (Document, error) {
	tpl := c.resolver.Resolve(templateName)
	doc, err := Compose(tpl, r)
	if err != nil {
		return Document{}, err
	}
	c.log.Debugw("document composed", "template", doc.Template, "fallback", doc.Fallback, "bytes", len(doc.HTML))
	return doc, nil
}
