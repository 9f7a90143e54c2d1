package engine

import (
	"regexp"
	"strings"

	"sequencer/models"
)

// Fallback is written in place of any variable that cannot be resolved.
const Fallback = "there"

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)

// LeadProfile holds the variables available to message templates.
type LeadProfile map[string]string

// ProfileOf builds the template variables for a lead.
func ProfileOf(lead *models.Lead) LeadProfile {
	name := lead.DisplayName()
	first := strings.TrimSpace(lead.FirstName)
	if first == "" {
		if fields := strings.Fields(name); len(fields) > 0 {
			first = fields[0]
		}
	}
	return LeadProfile{
		"name":       name,
		"first_name": first,
		"last_name":  strings.TrimSpace(lead.LastName),
		"email":      strings.TrimSpace(lead.Email),
		"company":    strings.TrimSpace(lead.Company),
		"position":   strings.TrimSpace(lead.Position),
	}
}

// Render substitutes {{variable}} placeholders. Names are case-insensitive.
func Render(template string, profile LeadProfile) string {
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.ToLower(placeholder.FindStringSubmatch(match)[1])
		if v := profile[key]; v != "" {
			return v
		}
		return Fallback
	})
}
