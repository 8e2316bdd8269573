package entity

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customer struct {
	ID      int64  `db:",pk"`
	Name    string `db:"full_name"`
	City    string
	Notes   *string
	Ignored string `db:"-"`
	secret  string
}

type orderLine struct {
	OrderID int64 `db:",pk"`
	LineNo  int   `db:",pk"`
	Amount  float64
}

type noKey struct {
	Name string
}

func TestRegisterDerivesMetadata(t *testing.T) {
	r := NewRegistry(nil, nil)
	e, err := Register[customer](r)
	require.NoError(t, err)

	assert.Equal(t, "customer", e.Name)
	assert.Equal(t, "customers", e.Table)
	require.Len(t, e.Columns, 4)
	assert.Equal(t, "id", e.Columns[0].Name)
	assert.True(t, e.Columns[0].IsPrimaryKey)
	assert.Equal(t, "full_name", e.Columns[1].Name)
	assert.Equal(t, "city", e.Columns[2].Name)
	assert.True(t, e.Columns[3].IsNullable)

	again, err := Register[customer](r)
	require.NoError(t, err)
	assert.Same(t, e, again)

	assert.True(t, r.IsEntity(reflect.TypeOf(&customer{})))
	assert.True(t, r.IsEntityList(reflect.TypeOf([]*customer{})))
	assert.False(t, r.IsEntity(reflect.TypeOf(0)))
}

func TestRegisterRequiresKey(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := Register[noKey](r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no primary key")

	_, err = r.RegisterType(reflect.TypeOf(42))
	require.Error(t, err)
}

func TestKeyUsesAllKeyColumns(t *testing.T) {
	r := NewRegistry(nil, nil)
	e := MustRegister[orderLine](r)

	k1, err := e.Key(&orderLine{OrderID: 7, LineNo: 2, Amount: 1})
	require.NoError(t, err)
	k2, err := e.Key(&orderLine{OrderID: 7, LineNo: 2, Amount: 99})
	require.NoError(t, err)
	k3, err := e.Key(&orderLine{OrderID: 7, LineNo: 3})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, Key("orderLine|7|2"), k1)

	_, err = e.Key((*orderLine)(nil))
	require.Error(t, err)
}

func TestHydrateCoercesDriverValues(t *testing.T) {
	r := NewRegistry(nil, nil)
	e := MustRegister[customer](r)

	v, err := e.Hydrate([]interface{}{int64(3), []byte("Ada"), "London", nil})
	require.NoError(t, err)
	c, ok := v.(*customer)
	require.True(t, ok)
	assert.Equal(t, int64(3), c.ID)
	assert.Equal(t, "Ada", c.Name)
	assert.Equal(t, "London", c.City)
	assert.Nil(t, c.Notes)

	v, err = e.Hydrate([]interface{}{"4", "Bob", "Paris", "vip"})
	require.NoError(t, err)
	c = v.(*customer)
	assert.Equal(t, int64(4), c.ID)
	require.NotNil(t, c.Notes)
	assert.Equal(t, "vip", *c.Notes)

	_, err = e.Hydrate([]interface{}{1})
	require.Error(t, err)
}

func TestCloneIsNotReferenceIdentical(t *testing.T) {
	r := NewRegistry(nil, nil)
	e := MustRegister[customer](r)

	orig := &customer{ID: 1, Name: "Ada"}
	cloned, err := e.Clone(orig)
	require.NoError(t, err)
	c := cloned.(*customer)
	assert.NotSame(t, orig, c)
	assert.Equal(t, *orig, *c)

	c.Name = "changed"
	assert.Equal(t, "Ada", orig.Name)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name   string
		input  interface{}
		target reflect.Type
		want   interface{}
	}{
		{"int64 to int", int64(5), reflect.TypeOf(0), 5},
		{"string to int32", "12", reflect.TypeOf(int32(0)), int32(12)},
		{"bytes to string", []byte("x"), reflect.TypeOf(""), "x"},
		{"int to bool", int64(1), reflect.TypeOf(false), true},
		{"float to float32", 1.5, reflect.TypeOf(float32(0)), float32(1.5)},
		{"nil", nil, reflect.TypeOf(""), nil},
		{"interface target", "x", reflect.TypeOf((*interface{})(nil)).Elem(), "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.input, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	ts, err := Coerce("2024-01-02 03:04:05", reflect.TypeOf(time.Time{}))
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.(time.Time).Year())

	p, err := Coerce(int64(9), reflect.TypeOf((*int)(nil)))
	require.NoError(t, err)
	assert.Equal(t, 9, *(p.(*int)))
}
