package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(catalog CatalogClient) *Engine {
	return NewEngine(EngineOptions{
		Registry: newTestRegistry(catalog, time.Minute),
	})
}

func TestEngine_AnalyzeMatch(t *testing.T) {
	engine := newTestEngine(&stubCatalog{
		rules: []RuleSpec{{
			ID:        "r",
			Body:      "function rule(e) { return true; }",
			VersionID: "v1",
			LogTypes:  []string{"Custom.Log"},
			Severity:  "HIGH",
			Tags:      []string{"recon"},
		}},
	})

	results, err := engine.Analyze(context.Background(), "Custom.Log", map[string]any{"a": float64(1)})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.False(t, res.Errored())
	assert.Equal(t, "r", res.RuleID)
	assert.Equal(t, "v1", res.RuleVersion)
	assert.Equal(t, []string{"recon"}, res.RuleTags)
	assert.Equal(t, "Custom.Log", res.LogType)
	assert.Equal(t, "defaultDedupString:r", res.Dedup)
	assert.Equal(t, DefaultDedupPeriodMins, res.DedupPeriodMins)
	assert.Equal(t, "HIGH", res.Severity)
	assert.Empty(t, res.ErrorMessage)

	assert.Equal(t, float64(1), res.Event.Get("a"))
}

func TestEngine_AnalyzeNoMatchProducesNothing(t *testing.T) {
	engine := newTestEngine(&stubCatalog{
		rules: []RuleSpec{{
			ID:        "r",
			Body:      "function rule(e) { return false; }",
			VersionID: "v1",
			LogTypes:  []string{"Custom.Log"},
		}},
	})

	results, err := engine.Analyze(context.Background(), "Custom.Log", map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_AnalyzeRuleFailureBecomesErrorResult(t *testing.T) {
	engine := newTestEngine(&stubCatalog{
		rules: []RuleSpec{{
			ID:        "r",
			Body:      "function rule(e) { throw new Error('boom'); }",
			VersionID: "v1",
			LogTypes:  []string{"Custom.Log"},
			Severity:  "LOW",
		}},
	})

	results, err := engine.Analyze(context.Background(), "Custom.Log", map[string]any{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.True(t, res.Errored())
	assert.Equal(t, "Error", res.Dedup)
	assert.Equal(t, ErrorDedupPeriodMins, res.DedupPeriodMins)
	assert.Equal(t, "Error('boom')", res.Title)
	assert.Contains(t, res.ErrorMessage, "boom")
	assert.Contains(t, res.ErrorMessage, "in rule")
}

func TestEngine_AnalyzeErrorNeverAbortsBatch(t *testing.T) {
	engine := newTestEngine(&stubCatalog{
		rules: []RuleSpec{
			{ID: "failing", Body: "function rule(e) { throw new Error('boom'); }", VersionID: "v1", LogTypes: []string{"L"}},
			{ID: "matching", Body: "function rule(e) { return true; }", VersionID: "v1", LogTypes: []string{"L"}},
		},
	})

	results, err := engine.Analyze(context.Background(), "L", map[string]any{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Errored())
	assert.False(t, results[1].Errored())
	assert.Equal(t, "matching", results[1].RuleID)
}

func TestEngine_AnalyzeResolvesUDM(t *testing.T) {
	engine := newTestEngine(&stubCatalog{
		rules: []RuleSpec{{
			ID:        "r",
			Body:      `function rule(e) { return e.udm("destination") === true; }`,
			VersionID: "v1",
			LogTypes:  []string{"Custom.Log"},
		}},
		models: []DataModelSpec{{
			ID:        "dm",
			VersionID: "v1",
			LogTypes:  []string{"Custom.Log"},
			Mappings:  []MappingSpec{{Name: "destination", Path: "is_dst"}},
		}},
	})

	results, err := engine.Analyze(context.Background(), "Custom.Log", map[string]any{"is_dst": true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r", results[0].RuleID)
}

func TestEngine_AnalyzeCatalogDownWithNoIndex(t *testing.T) {
	engine := newTestEngine(&stubCatalog{err: context.DeadlineExceeded})

	_, err := engine.Analyze(context.Background(), "L", map[string]any{})
	assert.ErrorIs(t, err, ErrCatalogUnavailable)
}
