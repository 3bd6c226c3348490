package narrator

import (
	"fmt"
	"strings"

	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
)

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
)

var readAloud = map[Language]string{
	LanguageEs: "Lee en voz alta la página %d del documento, con naturalidad y sin comentarios.",
	LanguageFr: "Lis la page %d du document à voix haute, naturellement et sans commentaire.",
	LanguageDe: "Lies Seite %d des Dokuments natürlich und ohne Kommentar vor.",
}

// Instructor builds the text request that asks the service to narrate a page.
// A custom template may reference {page} and {text}; when it mentions neither,
// the page text is appended after it.
func Instructor(lang Language, template string) func(page int, text string) string {
	if strings.TrimSpace(template) != "" {
		return func(page int, text string) string {
			if !strings.Contains(template, "{page}") && !strings.Contains(template, "{text}") {
				return fmt.Sprintf("%s\n\n%s", template, text)
			}
			r := strings.NewReplacer("{page}", fmt.Sprint(page), "{text}", text)
			return r.Replace(template)
		}
	}
	if format, ok := readAloud[lang]; ok {
		return func(page int, text string) string {
			return fmt.Sprintf(format, page) + "\n\n" + text
		}
	}
	return stream.DefaultInstruction
}
