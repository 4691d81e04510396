package autosave

import "github.com/vaultgate/vaultgate/internal/settings"

// effectiveValue resolves the value to display for key. Pending edits win over
// values confirmed by a flush, which win over the fetched catalog. Unknown keys
// resolve to the empty string.
func effectiveValue(catalog settings.Catalog, confirmed map[string]string, edits *EditBuffer, key string) string {
	if v, ok := edits.Get(key); ok {
		return v
	}
	if v, ok := confirmed[key]; ok {
		return v
	}
	if s, ok := catalog.Lookup(key); ok {
		return s.Value
	}
	return ""
}
