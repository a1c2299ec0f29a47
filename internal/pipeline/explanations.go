package pipeline

import "strings"

// defaultExplanations back the applied-lens extension when a lens supplies
// no explanation of its own, keyed by document language.
var defaultExplanations = map[string]string{
	"en": "This section was adjusted to your clinical context.",
	"es": "Esta sección se ha adaptado a su contexto clínico.",
	"pt": "Esta secção foi adaptada ao seu contexto clínico.",
	"da": "Dette afsnit er tilpasset din kliniske kontekst.",
	"de": "Dieser Abschnitt wurde an Ihren klinischen Kontext angepasst.",
	"fr": "Cette section a été adaptée à votre contexte clinique.",
	"it": "Questa sezione è stata adattata al suo contesto clinico.",
	"nl": "Deze sectie is aangepast aan uw klinische context.",
}

// defaultExplanation selects by primary language subtag, falling back to
// English.
func defaultExplanation(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	if msg, ok := defaultExplanations[lang]; ok {
		return msg
	}
	return defaultExplanations["en"]
}
