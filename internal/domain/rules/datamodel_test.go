package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsec/quill/internal/domain/event"
)

func TestCompileDataModel_Validation(t *testing.T) {
	valid := DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		LogTypes:  []string{"Custom.Log"},
		Mappings:  []MappingSpec{{Name: "destination", Path: "is_dst"}},
	}

	tests := []struct {
		name    string
		mutate  func(*DataModelSpec)
		wantErr string
	}{
		{name: "missing id", mutate: func(s *DataModelSpec) { s.ID = "" }, wantErr: `"id" is required`},
		{name: "missing version", mutate: func(s *DataModelSpec) { s.VersionID = "" }, wantErr: `"versionId" is required`},
		{name: "empty mappings", mutate: func(s *DataModelSpec) { s.Mappings = nil }, wantErr: "non-empty list"},
		{
			name:    "mapping without name",
			mutate:  func(s *DataModelSpec) { s.Mappings = []MappingSpec{{Path: "a"}} },
			wantErr: "missing required field name",
		},
		{
			name:    "mapping with neither path nor method",
			mutate:  func(s *DataModelSpec) { s.Mappings = []MappingSpec{{Name: "x"}} },
			wantErr: "exactly one of path or method",
		},
		{
			name: "mapping with both path and method",
			mutate: func(s *DataModelSpec) {
				s.Mappings = []MappingSpec{{Name: "x", Path: "a", Method: "m"}}
			},
			wantErr: "exactly one of path or method",
		},
		{
			name:    "method without body",
			mutate:  func(s *DataModelSpec) { s.Mappings = []MappingSpec{{Name: "x", Method: "getX"}} },
			wantErr: "does not define mapped method",
		},
		{
			name: "method not defined in body",
			mutate: func(s *DataModelSpec) {
				s.Body = "function other(e) { return 1; }"
				s.Mappings = []MappingSpec{{Name: "x", Method: "getX"}}
			},
			wantErr: "does not define mapped method",
		},
		{
			name: "body does not compile",
			mutate: func(s *DataModelSpec) {
				s.Body = "function broken( {"
			},
			wantErr: "compile data model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			_, err := CompileDataModel(spec)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDataModel_ResolvePath(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Mappings: []MappingSpec{
			{Name: "destination", Path: "is_dst"},
			{Name: "source_ip", Path: "network.src"},
		},
	})
	require.NoError(t, err)

	view := event.NewView(map[string]any{
		"is_dst":  true,
		"network": map[string]any{"src": "10.0.0.1"},
	}, dm)

	got, err := view.UDM("destination")
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = view.UDM("source_ip")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got)
}

func TestDataModel_ResolveUnmappedNameIsNull(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Mappings:  []MappingSpec{{Name: "destination", Path: "is_dst"}},
	})
	require.NoError(t, err)

	view := event.NewView(map[string]any{"is_dst": true}, dm)

	got, err := view.UDM("unmapped")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDataModel_ResolvePathNoMatchIsNull(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Mappings:  []MappingSpec{{Name: "destination", Path: "a.b.c"}},
	})
	require.NoError(t, err)

	view := event.NewView(map[string]any{"a": 1}, dm)

	got, err := view.UDM("destination")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDataModel_QuotedKeyWithColonIsNotASlice(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Mappings:  []MappingSpec{{Name: "aliases", Path: `"a:b"`}},
	})
	require.NoError(t, err)

	view := event.NewView(map[string]any{"a:b": []any{"x", "y"}}, dm)

	got, err := view.UDM("aliases")
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, got)
}

func TestDataModel_SliceIsMultiMatch(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Mappings:  []MappingSpec{{Name: "first", Path: "ports[0:2]"}},
	})
	require.NoError(t, err)

	view := event.NewView(map[string]any{"ports": []any{float64(80), float64(443)}}, dm)

	_, err = view.UDM("first")
	assert.ErrorIs(t, err, event.ErrMultipleMatches)
}

func TestDataModel_ResolveProjection(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Mappings:  []MappingSpec{{Name: "port", Path: "connections[*].port"}},
	})
	require.NoError(t, err)

	t.Run("single match unwraps", func(t *testing.T) {
		view := event.NewView(map[string]any{
			"connections": []any{map[string]any{"port": float64(443)}},
		}, dm)

		got, err := view.UDM("port")
		require.NoError(t, err)
		assert.Equal(t, float64(443), got)
	})

	t.Run("no match is null", func(t *testing.T) {
		view := event.NewView(map[string]any{"connections": []any{}}, dm)

		got, err := view.UDM("port")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("multiple matches error", func(t *testing.T) {
		view := event.NewView(map[string]any{
			"connections": []any{
				map[string]any{"port": float64(443)},
				map[string]any{"port": float64(80)},
			},
		}, dm)

		_, err := view.UDM("port")
		assert.ErrorIs(t, err, event.ErrMultipleMatches)
	})
}

func TestDataModel_ResolveMethod(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Body:      "function getUser(e) { return e.get('actor').toUpperCase(); }",
		Mappings:  []MappingSpec{{Name: "user", Method: "getUser"}},
	})
	require.NoError(t, err)

	view := event.NewView(map[string]any{"actor": "root"}, dm)

	got, err := view.UDM("user")
	require.NoError(t, err)
	assert.Equal(t, "ROOT", got)
}

func TestDataModel_ResolveMethodError(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Body:      "function getUser(e) { throw new Error('nope'); }",
		Mappings:  []MappingSpec{{Name: "user", Method: "getUser"}},
	})
	require.NoError(t, err)

	view := event.NewView(map[string]any{}, dm)

	_, err = view.UDM("user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestDataModel_UDMInsideRule(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Mappings:  []MappingSpec{{Name: "destination", Path: "is_dst"}},
	})
	require.NoError(t, err)

	r := compileRule(t, "r", `function rule(e) { return Boolean(e.udm("destination")); }`)

	res := r.Run(event.NewView(map[string]any{"is_dst": true}, dm), true)

	require.NotNil(t, res.Matched)
	assert.True(t, *res.Matched)
}

func TestDataModel_UDMMultipleMatchesFailsRule(t *testing.T) {
	dm, err := CompileDataModel(DataModelSpec{
		ID:        "dm",
		VersionID: "v1",
		Mappings:  []MappingSpec{{Name: "port", Path: "conns[*].port"}},
	})
	require.NoError(t, err)

	r := compileRule(t, "r", `function rule(e) { return e.udm("port") === 443; }`)

	view := event.NewView(map[string]any{
		"conns": []any{
			map[string]any{"port": float64(443)},
			map[string]any{"port": float64(80)},
		},
	}, dm)

	res := r.Run(view, true)

	require.NotNil(t, res.RuleError)
	assert.Equal(t, "MultipleMatches", res.RuleError.TypeName)
}
