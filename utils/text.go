package utils

import (
	"strings"

	"github.com/gosimple/slug"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TrickSlug turns a free-form trick description into a stable, URL-safe key,
// e.g. "Kickflip BS 180!" -> "kickflip-bs-180".
func TrickSlug(description string) string {
	return slug.Make(strings.TrimSpace(description))
}

// TrickTitle title-cases a trick description for display. Whitespace runs are
// collapsed.
func TrickTitle(description string) string {
	fields := strings.Fields(description)
	if len(fields) == 0 {
		return ""
	}
	// cases.Caser keeps state, so one per call.
	return cases.Title(language.English).String(strings.Join(fields, " "))
}
