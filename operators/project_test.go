package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emsqrt-project/emsqrt/batch"
)

func TestProjectSelectsAndReordersColumns(t *testing.T) {
	schema, err := batch.NewSchema(
		batch.Field{Name: "id", Kind: batch.Int64},
		batch.Field{Name: "name", Kind: batch.Utf8},
		batch.Field{Name: "amount", Kind: batch.Float64},
	)
	require.NoError(t, err)

	src := newSliceSource(schema, [][]batch.Value{
		{batch.NewInt64(1), batch.NewUtf8("widget"), batch.NewFloat64(9.5)},
	})

	p, err := NewProject(src, []string{"amount", "id"}, schema, testEnv(), "project")
	require.NoError(t, err)

	rows := drain(t, p)
	require.Len(t, rows, 1)
	assert.Equal(t, []batch.Value{batch.NewFloat64(9.5), batch.NewInt64(1)}, rows[0])
}

func TestProjectRejectsUnknownColumn(t *testing.T) {
	schema, err := batch.NewSchema(batch.Field{Name: "id", Kind: batch.Int64})
	require.NoError(t, err)

	src := newSliceSource(schema, nil)
	_, err = NewProject(src, []string{"missing"}, schema, testEnv(), "project")
	assert.Error(t, err)
}
