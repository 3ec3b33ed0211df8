package ranking

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/pkg/utils"
)

const (
	LanguageEnglish    = "en"
	LanguagePortuguese = "pt"
)

type templateSet struct {
	full        string // query, match, tier, percentage, category, description suffix
	numeric     string // category, percentage
	noMatch     string
	emptyIndex  string
	queryImage  string
	matchImage  string
	high        string
	moderate    string
	resemblance string
	noCategory  string
}

var templates = map[string]templateSet{
	LanguageEnglish: {
		full:        "%s and %s are a %s (%.1f%%) in category '%s'%s.",
		numeric:     "Image classified in category '%s' with %.1f%% similarity.",
		noMatch:     "No indexed image could be matched to the query.",
		emptyIndex:  "No images indexed yet. Add images before searching.",
		queryImage:  "the query image",
		matchImage:  "the matched image",
		high:        "high match",
		moderate:    "moderate match",
		resemblance: "some resemblance",
		noCategory:  "uncategorized",
	},
	LanguagePortuguese: {
		full:        "%s e %s têm %s (%.1f%%) na categoria '%s'%s.",
		numeric:     "Imagem classificada na categoria '%s' com %.1f%% de similaridade.",
		noMatch:     "Nenhuma imagem indexada corresponde à consulta.",
		emptyIndex:  "Nenhuma imagem indexada ainda. Adicione imagens antes de pesquisar.",
		queryImage:  "a imagem de consulta",
		matchImage:  "a imagem correspondente",
		high:        "alta correspondência",
		moderate:    "correspondência moderada",
		resemblance: "alguma semelhança",
		noCategory:  "sem categoria",
	},
}

// Explainer composes human readable explanations. It never fails: every
// error degrades to the numeric template.
type Explainer struct {
	language string
	loader   ImageLoader
	logger   *zap.Logger
}

func (e *Explainer) templates() templateSet {
	if t, ok := templates[e.language]; ok {
		return t
	}
	return templates[LanguageEnglish]
}

// Tier returns the similarity tier phrase for a percentage.
func (e *Explainer) Tier(percentage float64) string {
	t := e.templates()
	switch {
	case percentage >= 80:
		return t.high
	case percentage >= 60:
		return t.moderate
	default:
		return t.resemblance
	}
}

// Explain captions the query and the match, translates both and fills the
// full template. Missing captions use placeholders; errors fall back to Numeric.
func (e *Explainer) Explain(qc *QueryContext, best *Candidate) string {
	t := e.templates()
	queryCaption, err := qc.Caption()
	if err != nil {
		e.debug("query caption failed", err)
		return e.Numeric(best)
	}
	matchCaption := ""
	if e.loader != nil && best.Image != nil {
		data, err := e.loader.Load(qc.Context(), best.Image.StorageLocator)
		if err != nil {
			e.debug("load matched image failed", err)
			return e.Numeric(best)
		}
		matchCaption, err = qc.provider.Caption(qc.Context(), data)
		if err != nil {
			e.debug("match caption failed", err)
			return e.Numeric(best)
		}
	}

	querySubject := t.queryImage
	if queryCaption != "" {
		querySubject = qc.provider.Translate(qc.Context(), queryCaption)
	}
	matchSubject := t.matchImage
	if matchCaption != "" {
		matchSubject = qc.provider.Translate(qc.Context(), matchCaption)
	}

	name, description := e.category(best)
	suffix := ""
	if description != "" {
		suffix = ": " + description
	}
	pct := utils.Percent(best.CombinedScore)
	return fmt.Sprintf(t.full, capitalize(querySubject), matchSubject, e.Tier(pct), pct, name, suffix)
}

// Numeric returns the score-only explanation.
func (e *Explainer) Numeric(best *Candidate) string {
	name, _ := e.category(best)
	return fmt.Sprintf(e.templates().numeric, name, utils.Percent(best.CombinedScore))
}

// NoMatch explains a search whose candidates could not be resolved.
func (e *Explainer) NoMatch() string {
	return e.templates().noMatch
}

// EmptyIndex explains a search against an empty index.
func (e *Explainer) EmptyIndex() string {
	return e.templates().emptyIndex
}

func (e *Explainer) category(c *Candidate) (string, string) {
	if c.Category == nil {
		return e.templates().noCategory, ""
	}
	return c.Category.Name, strings.TrimSpace(c.Category.Description)
}

func (e *Explainer) debug(msg string, err error) {
	if e.logger != nil {
		e.logger.Debug(msg, zap.Error(err))
	}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
