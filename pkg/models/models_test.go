package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
)

func TestRIDRoundTrip(t *testing.T) {
	rid := RID{Cluster: 12, Position: 7}
	assert.Equal(t, "#12:7", rid.String())

	parsed, err := ParseRID("#12:7")
	require.NoError(t, err)
	assert.Equal(t, rid, parsed)
	assert.False(t, parsed.IsNew())
	assert.True(t, RID{}.IsNew())

	for _, bad := range []string{"12:7", "#12", "#x:1", "#1:y"} {
		_, err := ParseRID(bad)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), bad)
	}
}

func TestRecordCopyIsIndependent(t *testing.T) {
	rec := NewRecord("Order").Set("total", 10)
	c := rec.Copy()
	c.Set("total", 20)

	v, _ := rec.Get("total")
	assert.Equal(t, 10, v)
	assert.Nil(t, (*Record)(nil).Copy())
}

func TestSchemaValidate(t *testing.T) {
	s := &Schema{
		Name:   "Order",
		Strict: true,
		Fields: []Field{
			{Name: "id", Type: TypeString, Required: true},
			{Name: "total", Type: TypeFloat},
			{Name: "qty", Type: TypeInteger},
		},
	}

	ok := NewRecord("Order").Set("id", "o-1").Set("total", 9.5).Set("qty", float64(3))
	assert.NoError(t, s.Validate(ok))

	bad := NewRecord("Order").Set("total", "free").Set("extra", true)
	err := s.Validate(bad)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	var typed *errors.Error
	require.True(t, errors.As(err, &typed))
	problems, _ := typed.Detail("problems")
	assert.Equal(t, "extra: not declared; id: required; total: expected float", problems)
}

func TestMetadataSchemaLookup(t *testing.T) {
	var m *Metadata
	_, ok := m.Schema("Order")
	assert.False(t, ok)

	m = &Metadata{Schemas: map[string]*Schema{"Order": {Name: "Order"}}}
	s, ok := m.Schema("Order")
	assert.True(t, ok)
	assert.Equal(t, "Order", s.Name)
}
