// Package naming derives SQL table and column names from Go entity types and
// their fields, including pluralization and snake_case conversion.
package naming

// Config holds naming customization options
type Config struct {
	// PluralOverrides maps singular -> custom plural
	// Example: {"person": "people", "status": "statuses"}
	PluralOverrides map[string]string `mapstructure:"plural_overrides"`

	// TableOverrides maps a Go type name directly to a table name.
	// Example: {"LegacyUser": "tbl_user"}
	TableOverrides map[string]string `mapstructure:"table_overrides"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PluralOverrides: make(map[string]string),
		TableOverrides:  make(map[string]string),
	}
}
