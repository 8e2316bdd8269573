package sqlgen

import (
	"strings"

	"github.com/cockroachdb/errors"

	"ormquery/internal/ir"
	"ormquery/internal/sqlutil"
)

// PagingStyle is how a dialect skips and caps rows.
type PagingStyle int

const (
	// PagingLimitOffset renders LIMIT n OFFSET m.
	PagingLimitOffset PagingStyle = iota
	// PagingLimitComma renders the combined LIMIT m, n.
	PagingLimitComma
	// PagingRowNumber numbers rows with ROW_NUMBER() in a derived table and
	// filters on the numbers.
	PagingRowNumber
)

// Dialect holds the vendor rules the generator needs.
type Dialect struct {
	Name   string
	Quote  byte
	Paging PagingStyle
	// ZeroBasedRows reports whether the dialect counts skipped rows from 0.
	ZeroBasedRows bool
	// ConcatFunc renders string concatenation as a function call instead of
	// the || operator.
	ConcatFunc bool
	LengthFunc string
	// DateParts are templates over the operand, one %s.
	DateParts map[ir.FuncKind]string
	NewGuid   string
	// NoLimit is the row count used when only an offset is given.
	NoLimit string
	Locks   map[ir.LockMode]string
}

var sqliteDateParts = map[ir.FuncKind]string{
	ir.FuncYear:        "CAST(STRFTIME('%%Y', %s) AS INTEGER)",
	ir.FuncMonth:       "CAST(STRFTIME('%%m', %s) AS INTEGER)",
	ir.FuncDay:         "CAST(STRFTIME('%%d', %s) AS INTEGER)",
	ir.FuncHour:        "CAST(STRFTIME('%%H', %s) AS INTEGER)",
	ir.FuncMinute:      "CAST(STRFTIME('%%M', %s) AS INTEGER)",
	ir.FuncSecond:      "CAST(STRFTIME('%%S', %s) AS INTEGER)",
	ir.FuncMillisecond: "(CAST(STRFTIME('%%f', %s) * 1000 AS INTEGER) %% 1000)",
	ir.FuncDayOfWeek:   "CAST(STRFTIME('%%w', %s) AS INTEGER)",
	ir.FuncDayOfYear:   "CAST(STRFTIME('%%j', %s) AS INTEGER)",
}

var (
	// SQLite pages with LIMIT/OFFSET and counts from 0.
	SQLite = Dialect{
		Name:          "sqlite",
		Quote:         '`',
		Paging:        PagingLimitOffset,
		ZeroBasedRows: true,
		LengthFunc:    "LENGTH",
		DateParts:     sqliteDateParts,
		NewGuid:       "LOWER(HEX(RANDOMBLOB(16)))",
		NoLimit:       "-1",
	}

	// MySQL pages with the combined LIMIT offset, count.
	MySQL = Dialect{
		Name:          "mysql",
		Quote:         '`',
		Paging:        PagingLimitComma,
		ZeroBasedRows: true,
		ConcatFunc:    true,
		LengthFunc:    "CHAR_LENGTH",
		DateParts: map[ir.FuncKind]string{
			ir.FuncYear:        "YEAR(%s)",
			ir.FuncMonth:       "MONTH(%s)",
			ir.FuncDay:         "DAY(%s)",
			ir.FuncHour:        "HOUR(%s)",
			ir.FuncMinute:      "MINUTE(%s)",
			ir.FuncSecond:      "SECOND(%s)",
			ir.FuncMillisecond: "(MICROSECOND(%s) DIV 1000)",
			ir.FuncDayOfWeek:   "(DAYOFWEEK(%s) - 1)",
			ir.FuncDayOfYear:   "DAYOFYEAR(%s)",
		},
		NewGuid: "UUID()",
		NoLimit: "18446744073709551615",
		Locks: map[ir.LockMode]string{
			ir.LockShared: "LOCK IN SHARE MODE",
			ir.LockUpdate: "FOR UPDATE",
		},
	}

	// RowNumber pages with ROW_NUMBER() over 1-based row numbers. It uses
	// ANSI identifier quoting and the SQLite function spellings, so it runs
	// on SQLite as well.
	RowNumber = Dialect{
		Name:          "rownumber",
		Quote:         '"',
		Paging:        PagingRowNumber,
		ZeroBasedRows: false,
		LengthFunc:    "LENGTH",
		DateParts:     sqliteDateParts,
		NewGuid:       "LOWER(HEX(RANDOMBLOB(16)))",
	}
)

var dialects = map[string]Dialect{
	SQLite.Name:    SQLite,
	MySQL.Name:     MySQL,
	RowNumber.Name: RowNumber,
}

// ParseDialect returns the dialect with the given name.
func ParseDialect(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return Dialect{}, errors.Newf("unknown SQL dialect %q", name)
	}
	return d, nil
}

func (d Dialect) quote(name string) string {
	return sqlutil.QuoteIdentifierWith(name, d.Quote)
}

func (d Dialect) qualified(table, column string) string {
	if table == "" {
		return d.quote(column)
	}
	return d.quote(table) + "." + d.quote(column)
}
