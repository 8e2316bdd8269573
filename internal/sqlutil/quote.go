// Package sqlutil provides SQL quoting and literal formatting helpers shared by
// the SQL generator and its dialects.
package sqlutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	return QuoteIdentifierWith(name, '`')
}

// QuoteIdentifierWith quotes an identifier with the given quote character,
// doubling any embedded quote characters.
func QuoteIdentifierWith(name string, quote byte) string {
	q := string(quote)
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}

// FormatLiteral renders a Go value as an inline SQL literal. It is used for
// values that were classified as literals rather than bound parameters.
func FormatLiteral(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return QuoteString(val), nil
	case []byte:
		return QuoteString(string(val)), nil
	case bool:
		if val {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(val), nil
	case int8:
		return strconv.FormatInt(int64(val), 10), nil
	case int16:
		return strconv.FormatInt(int64(val), 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case time.Time:
		return QuoteString(val.UTC().Format("2006-01-02 15:04:05.000")), nil
	case fmt.Stringer:
		return QuoteString(val.String()), nil
	default:
		return "", errors.Newf("cannot format %T as a SQL literal", v)
	}
}
