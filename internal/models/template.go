package models

import "strings"

// RenderTemplate substitutes contact placeholders into a campaign template.
// Supported placeholders are {{name}} and {{phone}}.
func RenderTemplate(tpl string, contact *Contact) string {
	out := strings.ReplaceAll(tpl, "{{name}}", contact.Name)
	out = strings.ReplaceAll(out, "{{phone}}", contact.PhoneNumber)
	return out
}
