package service

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
)

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bme llamo\s+([A-Za-zÀ-ÿ\s]+)`),
		regexp.MustCompile(`(?i)\bmi nombre es\s+([A-Za-zÀ-ÿ\s]+)`),
		regexp.MustCompile(`(?i)\bsoy\s+([A-Za-zÀ-ÿ\s]+)`),
	}
	bareName = regexp.MustCompile(`^([A-Za-zÀ-ÿ]+(?:\s+[A-Za-zÀ-ÿ]+){0,2})$`)

	timePattern    = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)
	datePattern    = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	productPattern = regexp.MustCompile(`(?i)(?:producto|servicio|item|artículo)\s+([^.,!?]+)`)
)

// Short replies that look like a bare name but are not one.
var notNames = map[string]struct{}{
	"hola": {}, "buenas": {}, "buenos dias": {}, "buenos días": {}, "buenas tardes": {},
	"buenas noches": {}, "gracias": {}, "muchas gracias": {}, "si": {}, "sí": {}, "no": {},
	"ok": {}, "vale": {}, "listo": {}, "perfecto": {}, "claro": {}, "adios": {}, "adiós": {},
}

// ExtractName finds a self-introduction such as "me llamo Ana", "mi nombre
// es Ana", "soy Ana", or a message that is only a short name. Results
// outside 2 to 50 characters are discarded.
func ExtractName(text string) string {
	text = strings.TrimSpace(text)
	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return validName(m[1])
		}
	}
	if m := bareName.FindStringSubmatch(text); m != nil {
		if _, skip := notNames[strings.ToLower(m[1])]; !skip {
			return validName(m[1])
		}
	}
	return ""
}

func validName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if n := utf8.RuneCountInString(s); n < 2 || n > 50 {
		return ""
	}
	return s
}

// ExtractPreferences collects mentioned times, dates and products.
func ExtractPreferences(text string) model.Preferences {
	var p model.Preferences
	p.Times = timePattern.FindAllString(text, -1)
	p.Dates = datePattern.FindAllString(text, -1)
	for _, m := range productPattern.FindAllStringSubmatch(text, -1) {
		if s := strings.TrimSpace(m[1]); s != "" {
			p.Products = append(p.Products, s)
		}
	}
	return p
}
