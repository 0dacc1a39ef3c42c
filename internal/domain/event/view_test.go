package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	values map[string]any
	err    error
}

func (r staticResolver) Resolve(name string, _ *View) (any, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.values[name], nil
}

func TestView_Get(t *testing.T) {
	view := NewView(map[string]any{"a": 1, "b": "two"}, nil)

	assert.Equal(t, 1, view.Get("a"))
	assert.Equal(t, "two", view.Get("b"))
	assert.Nil(t, view.Get("missing"))
}

func TestView_SourceMutationNotVisible(t *testing.T) {
	source := map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{1, 2, 3},
	}
	view := NewView(source, nil)

	source["nested"].(map[string]any)["k"] = "changed"
	source["list"].([]any)[0] = 99
	source["added"] = true

	assert.Equal(t, map[string]any{"k": "v"}, view.Get("nested"))
	assert.Equal(t, []any{1, 2, 3}, view.Get("list"))
	assert.Nil(t, view.Get("added"))
}

func TestView_RawCopyIsDetached(t *testing.T) {
	view := NewView(map[string]any{"nested": map[string]any{"k": "v"}}, nil)

	raw := view.Raw()
	raw["nested"].(map[string]any)["k"] = "mutated"

	assert.Equal(t, map[string]any{"k": "v"}, view.Get("nested"))
}

func TestView_UDM(t *testing.T) {
	t.Run("no model bound", func(t *testing.T) {
		view := NewView(map[string]any{"a": 1}, nil)
		got, err := view.UDM("destination")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("resolves through model", func(t *testing.T) {
		model := staticResolver{values: map[string]any{"destination": "10.0.0.1"}}
		view := NewView(map[string]any{}, model)
		got, err := view.UDM("destination")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", got)
	})

	t.Run("propagates resolver error", func(t *testing.T) {
		view := NewView(map[string]any{}, staticResolver{err: ErrMultipleMatches})
		_, err := view.UDM("destination")
		assert.ErrorIs(t, err, ErrMultipleMatches)
	})
}

func TestView_LenAndKeys(t *testing.T) {
	view := NewView(map[string]any{"b": 1, "a": 2, "c": 3}, nil)

	assert.Equal(t, 3, view.Len())
	assert.Equal(t, []string{"a", "b", "c"}, view.Keys())
}

func TestView_FingerprintAndEqual(t *testing.T) {
	a := NewView(map[string]any{"x": 1, "y": []any{"a", "b"}}, nil)
	b := NewView(map[string]any{"y": []any{"a", "b"}, "x": 1}, nil)
	c := NewView(map[string]any{"x": 2}, nil)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.True(t, a.Equal(b))
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.False(t, a.Equal(c))
}

func TestView_MarshalJSON(t *testing.T) {
	view := NewView(map[string]any{"a": 1}, nil)
	data, err := view.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
}
