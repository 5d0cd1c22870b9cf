package service

import "strings"

// StylePreset is a canned background description the user can pick instead of writing one.
type StylePreset struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

var stylePresets = []StylePreset{
	{ID: "studio-white", Name: "Studio White", Prompt: "clean seamless white studio backdrop, soft even lighting, subtle floor shadow"},
	{ID: "marble-counter", Name: "Marble Counter", Prompt: "polished white marble countertop, bright kitchen in soft focus behind"},
	{ID: "wooden-table", Name: "Wooden Table", Prompt: "rustic oak wooden table, warm morning light from a window, shallow depth of field"},
	{ID: "forest-moss", Name: "Forest Moss", Prompt: "mossy forest floor with ferns, dappled sunlight through tall trees"},
	{ID: "beach-sunset", Name: "Beach Sunset", Prompt: "sandy beach at golden hour, gentle waves, warm orange sky"},
	{ID: "urban-concrete", Name: "Urban Concrete", Prompt: "raw concrete wall and floor, modern loft, cool diffused daylight"},
	{ID: "pastel-gradient", Name: "Pastel Gradient", Prompt: "smooth pastel pink to lavender gradient backdrop, minimal product photography"},
	{ID: "luxury-velvet", Name: "Luxury Velvet", Prompt: "deep emerald velvet drape, dramatic spotlight, luxury product showcase"},
}

// StylePresets returns the preset catalogue in display order.
func StylePresets() []StylePreset {
	out := make([]StylePreset, len(stylePresets))
	copy(out, stylePresets)
	return out
}

// LookupStyle finds a preset by id.
func LookupStyle(id string) (StylePreset, bool) {
	id = strings.TrimSpace(id)
	for _, p := range stylePresets {
		if p.ID == id {
			return p, true
		}
	}
	return StylePreset{}, false
}
