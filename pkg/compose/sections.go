package compose

import (
	"bytes"
	_ "embed"
	"html"
	"html/template"
	"net/url"
	"strings"

	"resume-docgen/internal/model"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/publicsuffix"
)

//go:embed sections.gohtml
var sectionsSource string

// braceEscaper keeps user text from ever spelling a placeholder token.
var braceEscaper = strings.NewReplacer("{", "&#123;", "}", "&#125;")

// escapeText HTML-escapes s and entity-encodes braces. The result renders
// identically in a browser.
func escapeText(s string) string {
	return braceEscaper.Replace(html.EscapeString(s))
}

var sectionFuncs = template.FuncMap{
	"text": func(s string) template.HTML {
		return template.HTML(escapeText(s)) // #nosec G203 -- escaped above
	},
	"dateRange":  DateRange,
	"formatDate": FormatDate,
	"join":       strings.Join,
	"urlLabel":   URLLabel,
}

var sectionTemplates = template.Must(template.New("sections").Funcs(sectionFuncs).Parse(sectionsSource))

type contactItem struct {
	Class string
	Label string
	Href  string
}

type skillGroup struct {
	Category string
	Skills   []model.Skill
}

// RenderSections produces one fragment per section token. Empty collections
// produce an empty fragment so the heading disappears with them.
func RenderSections(r model.Resume) (map[string]string, error) {
	out := make(map[string]string, len(sectionTokens))

	render := func(token string, data any, empty bool) error {
		if empty {
			out[token] = ""
			return nil
		}
		var buf bytes.Buffer
		if err := sectionTemplates.ExecuteTemplate(&buf, token, data); err != nil {
			return errors.Wrapf(err, "render section %s", token)
		}
		out[token] = buf.String()
		return nil
	}

	contact := contactItems(r.Personal)
	summary := strings.TrimSpace(r.Summary)
	experience := nonEmpty(r.Experience, func(e model.Experience) bool {
		return e.Company != "" || e.Position != "" || e.Description != "" || len(e.Highlights) > 0
	})
	education := nonEmpty(r.Education, func(e model.Education) bool {
		return e.Institution != "" || e.Degree != "" || e.Field != ""
	})
	skills := groupSkills(r.Skills)
	languages := nonEmpty(r.Languages, func(l model.Language) bool { return l.Name != "" })
	projects := nonEmpty(r.Projects, func(p model.Project) bool { return p.Name != "" || p.Description != "" })
	certifications := nonEmpty(r.Certifications, func(c model.Certification) bool { return c.Name != "" })
	references := nonEmpty(r.References, func(ref model.Reference) bool { return ref.Name != "" })
	custom := customSections(r.CustomSections)

	steps := []struct {
		token string
		data  any
		empty bool
	}{
		{TokenContact, contact, len(contact) == 0},
		{TokenSummary, summary, summary == ""},
		{TokenExperience, experience, len(experience) == 0},
		{TokenEducation, education, len(education) == 0},
		{TokenSkills, skills, len(skills) == 0},
		{TokenLanguages, languages, len(languages) == 0},
		{TokenProjects, projects, len(projects) == 0},
		{TokenCertifications, certifications, len(certifications) == 0},
		{TokenReferences, references, len(references) == 0},
		{TokenCustom, custom, len(custom) == 0},
	}
	for _, s := range steps {
		if err := render(s.token, s.data, s.empty); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nonEmpty[T any](in []T, keep func(T) bool) []T {
	var out []T
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// groupSkills keeps categories in order of first appearance.
func groupSkills(skills []model.Skill) []skillGroup {
	var groups []skillGroup
	index := map[string]int{}
	for _, s := range skills {
		if strings.TrimSpace(s.Name) == "" {
			continue
		}
		cat := strings.TrimSpace(s.Category)
		i, ok := index[cat]
		if !ok {
			i = len(groups)
			index[cat] = i
			groups = append(groups, skillGroup{Category: cat})
		}
		groups[i].Skills = append(groups[i].Skills, s)
	}
	return groups
}

func customSections(in []model.CustomSection) []model.CustomSection {
	var out []model.CustomSection
	for _, cs := range in {
		items := nonEmpty(cs.Items, func(it model.CustomItem) bool { return it.Title != "" || it.Description != "" })
		if len(items) == 0 {
			continue
		}
		out = append(out, model.CustomSection{Title: cs.Title, Items: items})
	}
	return out
}

func contactItems(p model.Personal) []contactItem {
	var items []contactItem
	add := func(class, label, href string) {
		if label = strings.TrimSpace(label); label != "" {
			items = append(items, contactItem{Class: class, Label: label, Href: href})
		}
	}
	add("email", p.Email, mailto(p.Email))
	add("phone", p.Phone, "")
	add("location", p.Location, "")
	add("website", p.Website, withScheme(p.Website))
	add("linkedin", p.LinkedIn, withScheme(p.LinkedIn))
	add("github", p.GitHub, withScheme(p.GitHub))
	return items
}

func mailto(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	return "mailto:" + email
}

func withScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "https://" + raw
	}
	return raw
}

// URLLabel returns a short display label for a link: the registrable domain
// when it can be derived, otherwise the fallback (typically the issuer), or
// "link".
func URLLabel(raw, fallback string) string {
	label := ""
	if raw = strings.TrimSpace(raw); raw != "" {
		if parsed, err := url.Parse(withScheme(raw)); err == nil && parsed.Hostname() != "" {
			host := parsed.Hostname()
			if etld, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
				label = strings.TrimPrefix(etld, "www.")
			} else {
				label = strings.TrimPrefix(host, "www.")
			}
		} else {
			label = raw
		}
	}
	if label == "" {
		label = strings.TrimSpace(fallback)
	}
	if label == "" {
		label = "link"
	}
	return label
}
