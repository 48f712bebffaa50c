package models

import "regexp"

// ModelChoices lists the transcription model variants a requester may select
var ModelChoices = []string{"tiny", "base", "small", "medium", "large-v3", "turbo"}

// languagePattern accepts ISO 639-1 codes with an optional region, e.g. "en", "pt-BR"
var languagePattern = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)

// ValidModel reports whether name is a recognized model variant
func ValidModel(name string) bool {
	for _, m := range ModelChoices {
		if m == name {
			return true
		}
	}
	return false
}

// ValidLanguage reports whether code is "auto" or a well-formed language code
func ValidLanguage(code string) bool {
	return code == "auto" || languagePattern.MatchString(code)
}
