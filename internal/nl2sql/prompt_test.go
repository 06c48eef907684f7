package nl2sql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildPromptIsDeterministic(t *testing.T) {
	in := PromptInput{
		Schema:   salesSchema(),
		Question: "Who spent the most?",
		History: []PriorTurn{
			{Question: "How many orders?", SQL: "SELECT count(*) FROM orders", Summary: "1 row with columns count_star()", Analysis: "There are 12 orders."},
		},
	}
	first := BuildPrompt(in)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, BuildPrompt(in))
	}
}

func TestBuildPromptRendersSchemaAndRelationships(t *testing.T) {
	prompt := BuildPrompt(PromptInput{Schema: salesSchema(), Question: "  Top customers?  "})

	require.Contains(t, prompt, "DuckDB SQL")
	require.Contains(t, prompt, "### customers\n- id INTEGER NOT NULL\n- name VARCHAR e.g. 'Ada', 'O''Brien'\n")
	require.Contains(t, prompt, "- orders.customer_id <-> customers.id (confidence 0.90: orders.customer_id and customers.id have matching names)")
	require.True(t, strings.HasSuffix(prompt, "## Question\nTop customers?\n"))
	require.NotContains(t, prompt, "## Conversation so far")
}

func TestBuildPromptWithoutRelationships(t *testing.T) {
	desc := salesSchema()
	desc.Relationships = nil
	prompt := BuildPrompt(PromptInput{Schema: desc, Question: "q"})
	require.Contains(t, prompt, "## Inferred relationships (heuristic, not enforced)\n- none\n")
}

func TestBuildPromptHistory(t *testing.T) {
	history := []PriorTurn{
		{Question: "How many orders?", SQL: "SELECT count(*) FROM orders", Summary: "1 row", Analysis: "Twelve orders."},
		{Question: "Delete them", Failure: "no valid query after 3 attempts"},
	}

	without := BuildPrompt(PromptInput{Schema: salesSchema(), Question: "and now?", History: history})
	require.Contains(t, without, "### Turn 1\nQuestion: How many orders?\nSQL:\n```sql\nSELECT count(*) FROM orders\n```\nResult: 1 row\n")
	require.Contains(t, without, "### Turn 2\nQuestion: Delete them\nFailed: no valid query after 3 attempts\n")
	require.NotContains(t, without, "Analysis: Twelve orders.")

	with := BuildPrompt(PromptInput{Schema: salesSchema(), Question: "and now?", History: history, IncludeAnalysis: true})
	require.Contains(t, with, "Analysis: Twelve orders.")
}

func TestCorrectionPromptListsFailedAttempts(t *testing.T) {
	attempts := []Attempt{
		{Number: 1, SQL: "SELECT nickname FROM customers", Failure: &ValidationFailure{Kind: "unknown_column", Message: "unknown column: nickname", Hint: "Valid tables and columns:\n- customers: id, name"}},
		{Number: 2, Failure: &ValidationFailure{Kind: FailureNoSQL, Message: "no block"}},
	}
	prompt := CorrectionPrompt("BASE", attempts)

	require.True(t, strings.HasPrefix(prompt, "BASE\n## Previous attempts\n"))
	require.Contains(t, prompt, "### Attempt 1\n```sql\nSELECT nickname FROM customers\n```\nProblem (unknown_column): unknown column: nickname\nValid tables and columns:\n- customers: id, name\n")
	require.Contains(t, prompt, "### Attempt 2\nProblem (no_sql): no block\n")
}
