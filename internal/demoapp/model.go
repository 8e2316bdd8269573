package demoapp

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"

	"ormquery/internal/entity"
	"ormquery/internal/sqlutil"
)

// Customer is a sample entity.
type Customer struct {
	ID   int64 `db:",pk"`
	Name string
	City string
	Age  int
}

// Order is a sample entity owned by a Customer.
type Order struct {
	ID         int64 `db:",pk"`
	CustomerID int64
	Total      float64
}

// CustomerOrder pairs a customer with one of its orders.
type CustomerOrder struct {
	Customer *Customer
	Order    *Order
}

// CityCount is a grouped projection.
type CityCount struct {
	City  string
	Count int
}

// NewRegistry registers the sample model.
func NewRegistry(reg *entity.Registry) (*entity.Registry, error) {
	if _, err := entity.Register[Customer](reg); err != nil {
		return nil, err
	}
	if _, err := entity.Register[Order](reg); err != nil {
		return nil, err
	}
	return reg, nil
}

var sampleRows = []interface{}{
	&Customer{ID: 1, Name: "Ada", City: "London", Age: 36},
	&Customer{ID: 2, Name: "Bo", City: "Oslo", Age: 28},
	&Customer{ID: 3, Name: "Cy", City: "Oslo", Age: 51},
	&Customer{ID: 4, Name: "Di", City: "Rome", Age: 44},
	&Customer{ID: 5, Name: "Ed", City: "Oslo", Age: 19},
	&Order{ID: 10, CustomerID: 1, Total: 12.5},
	&Order{ID: 11, CustomerID: 1, Total: 7.5},
	&Order{ID: 12, CustomerID: 3, Total: 30},
}

// seed recreates the sample tables from the registry's metadata and fills
// them.
func seed(ctx context.Context, db *sql.DB, reg *entity.Registry, quote byte) error {
	for _, v := range sampleRows {
		ent, ok := reg.Lookup(reflect.TypeOf(v))
		if !ok {
			return errors.AssertionFailedf("sample type %T is not registered", v)
		}
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlutil.QuoteIdentifierWith(ent.Table, quote)); err != nil {
			return errors.Wrapf(err, "drop %s", ent.Table)
		}
	}

	created := map[string]bool{}
	for _, v := range sampleRows {
		ent, _ := reg.Lookup(reflect.TypeOf(v))
		if !created[ent.Table] {
			ddl, err := createTable(ent, quote)
			if err != nil {
				return err
			}
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				return errors.Wrapf(err, "create %s", ent.Table)
			}
			created[ent.Table] = true
		}

		cols := make([]string, len(ent.Columns))
		marks := make([]string, len(ent.Columns))
		args := make([]interface{}, len(ent.Columns))
		for i, col := range ent.Columns {
			cols[i] = sqlutil.QuoteIdentifierWith(col.Name, quote)
			marks[i] = "?"
			val, err := ent.FieldValue(v, col.Field)
			if err != nil {
				return err
			}
			args[i] = val
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			sqlutil.QuoteIdentifierWith(ent.Table, quote), strings.Join(cols, ", "), strings.Join(marks, ", "))
		if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrapf(err, "insert into %s", ent.Table)
		}
	}
	return nil
}

func createTable(ent *entity.Entity, quote byte) (string, error) {
	defs := make([]string, 0, len(ent.Columns)+1)
	var keys []string
	for _, col := range ent.Columns {
		typ, err := columnType(col.Type)
		if err != nil {
			return "", errors.Wrapf(err, "column %s.%s", ent.Table, col.Name)
		}
		def := sqlutil.QuoteIdentifierWith(col.Name, quote) + " " + typ
		if !col.IsNullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		if col.IsPrimaryKey {
			keys = append(keys, sqlutil.QuoteIdentifierWith(col.Name, quote))
		}
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	return fmt.Sprintf("CREATE TABLE %s (%s)", sqlutil.QuoteIdentifierWith(ent.Table, quote), strings.Join(defs, ", ")), nil
}

func columnType(t reflect.Type) (string, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BOOLEAN", nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "BIGINT", nil
	case reflect.Float32, reflect.Float64:
		return "DOUBLE", nil
	case reflect.String:
		return "VARCHAR(255)", nil
	}
	return "", errors.Newf("no column type for %s", t)
}
