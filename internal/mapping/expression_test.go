package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanframework/ocean/internal/oceanerr"
)

func TestCompile(t *testing.T) {
	program, err := Compile(".name")
	require.NoError(t, err)
	assert.Equal(t, ".name", program.Source())

	// Same source hits the cache and returns the same program.
	again, err := Compile(".name")
	require.NoError(t, err)
	assert.Same(t, program, again)
}

func TestCompileInvalid(t *testing.T) {
	_, err := Compile(".name | | broken")
	require.Error(t, err)
	assert.Equal(t, oceanerr.KindConfig, oceanerr.KindOf(err))
}

func TestEval(t *testing.T) {
	ctx := context.Background()
	doc := map[string]interface{}{
		"name": "checkout",
		"tags": []interface{}{"go", "http"},
	}

	tests := []struct {
		name   string
		source string
		want   interface{}
	}{
		{name: "field", source: ".name", want: "checkout"},
		{name: "constant", source: `"service"`, want: "service"},
		{name: "missing field", source: ".owner", want: nil},
		{name: "interpolation", source: `"svc-\(.name)"`, want: "svc-checkout"},
		{name: "array", source: ".tags", want: []interface{}{"go", "http"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MustCompile(tt.source).Eval(ctx, doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalRuntimeError(t *testing.T) {
	_, err := MustCompile(".name + 1").Eval(context.Background(), map[string]interface{}{"name": "x"})
	require.Error(t, err)
	assert.Equal(t, oceanerr.KindMapping, oceanerr.KindOf(err))
}

func TestEvalSeq(t *testing.T) {
	doc := map[string]interface{}{
		"items": []interface{}{"a", "b", "c"},
	}
	values, err := MustCompile(".items[]").EvalSeq(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, values)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy(0))
	assert.True(t, Truthy(""))
	assert.True(t, Truthy([]interface{}{}))
}
