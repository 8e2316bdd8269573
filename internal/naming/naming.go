package naming

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// Namer converts Go type and field names into SQL table and column names.
type Namer struct {
	config Config
	logger *slog.Logger
}

// New creates a Namer with the given configuration
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Namer{
		config: cfg,
		logger: logger,
	}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig(), nil)
}

// TableName converts an entity type name to its table name (plural snake_case).
// Example: "OrderItem" -> "order_items"
func (n *Namer) TableName(typeName string) string {
	if override, ok := n.config.TableOverrides[typeName]; ok {
		n.logger.Debug("table name override applied",
			slog.String("type", typeName),
			slog.String("table", override),
		)
		return override
	}
	snake := ToSnakeCase(typeName)
	if snake == "" {
		return ""
	}
	parts := strings.Split(snake, "_")
	last := len(parts) - 1
	parts[last] = n.Pluralize(parts[last])
	return strings.Join(parts, "_")
}

// ColumnName converts a struct field name to a column name (snake_case).
// Example: "CustomerID" -> "customer_id"
func (n *Namer) ColumnName(fieldName string) string {
	return ToSnakeCase(fieldName)
}

// Pluralize converts a singular word to its plural form.
// Checks custom overrides first, then falls back to the inflection library.
func (n *Namer) Pluralize(word string) string {
	if override, ok := n.config.PluralOverrides[word]; ok {
		return override
	}
	return inflection.Plural(word)
}

// ToSnakeCase converts a Go identifier to snake_case, keeping initialisms
// together: "HTTPServerID" -> "http_server_id".
func ToSnakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
