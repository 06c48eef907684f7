package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/schema"
)

type recordingModel struct {
	mu      sync.Mutex
	reply   func(prompt string) (string, error)
	prompts []string
}

func (m *recordingModel) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.reply(prompt)
}

type stubEngine struct {
	result query.Result
	calls  int
}

func (e *stubEngine) Execute(context.Context, query.Request) (query.Result, error) {
	e.calls++
	return e.result, nil
}

func ordersSchema() schema.Description {
	return schema.Description{Tables: []schema.Table{{
		Name: "orders",
		Columns: []schema.Column{
			{Name: "id", Type: "INTEGER"},
			{Name: "city", Type: "VARCHAR", Nullable: true},
		},
	}}}
}

func answer(sql string) func(string) (string, error) {
	return func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Explain what the following query result means") {
			return "Oslo leads.", nil
		}
		return "```sql\n" + sql + "\n```", nil
	}
}

func fixedClock() func() time.Time {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return at }
}

func TestAskAppendsAnsweredTurn(t *testing.T) {
	model := &recordingModel{reply: answer("SELECT city, count(*) AS n FROM orders GROUP BY city")}
	engine := &stubEngine{result: query.Result{Columns: []string{"city", "n"}, Rows: [][]any{{"Oslo", int64(3)}}}}
	manager := NewManager(ordersSchema(), model, engine, Options{Interactive: true, Now: fixedClock()})

	round, err := manager.Ask(context.Background(), "  orders per city?  ")
	require.NoError(t, err)
	require.Nil(t, round.Failure)
	require.Nil(t, round.Analysis)
	require.Equal(t, "orders per city?", round.Question)
	require.Equal(t, "SELECT city, count(*) AS n FROM orders GROUP BY city", round.SQL)
	require.Len(t, round.Attempts, 1)

	turns := manager.Transcript()
	require.Len(t, turns, 1)
	require.Equal(t, round.ID, turns[0].ID)
	require.Equal(t, "1 row with columns city, n; first row: city=Oslo, n=3", turns[0].Summary)
	require.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), turns[0].At)
	require.False(t, turns[0].Failed())

	sql, ok := manager.LastSQL()
	require.True(t, ok)
	require.Equal(t, round.SQL, sql)
}

func TestAskFeedsHistoryToFollowUps(t *testing.T) {
	model := &recordingModel{reply: answer("SELECT id FROM orders")}
	manager := NewManager(ordersSchema(), model, &stubEngine{}, Options{Interactive: true})

	_, err := manager.Ask(context.Background(), "first question")
	require.NoError(t, err)
	_, err = manager.Ask(context.Background(), "second question")
	require.NoError(t, err)

	require.Len(t, model.prompts, 2)
	require.NotContains(t, model.prompts[0], "## Conversation so far")
	require.Contains(t, model.prompts[1], "### Turn 1\nQuestion: first question\n")
	require.True(t, strings.HasSuffix(model.prompts[1], "## Question\nsecond question\n"))
}

func TestAskWithoutInteractiveIgnoresHistory(t *testing.T) {
	model := &recordingModel{reply: answer("SELECT id FROM orders")}
	manager := NewManager(ordersSchema(), model, &stubEngine{}, Options{})

	_, err := manager.Ask(context.Background(), "first")
	require.NoError(t, err)
	_, err = manager.Ask(context.Background(), "second")
	require.NoError(t, err)
	require.NotContains(t, model.prompts[1], "## Conversation so far")
	require.Len(t, manager.Transcript(), 2)
}

func TestAskRecordsExhaustedRoundAsFailure(t *testing.T) {
	model := &recordingModel{reply: answer("DELETE FROM orders")}
	engine := &stubEngine{}
	manager := NewManager(ordersSchema(), model, engine, Options{Interactive: true, MaxAttempts: 2})

	round, err := manager.Ask(context.Background(), "remove everything")
	require.NoError(t, err)
	require.NotNil(t, round.Failure)
	require.Empty(t, round.SQL)
	require.Len(t, round.Attempts, 2)
	require.Zero(t, engine.calls)

	turns := manager.Transcript()
	require.Len(t, turns, 1)
	require.True(t, turns[0].Failed())
	require.Empty(t, turns[0].SQL)
	require.Equal(t, round.Failure.Reason, turns[0].Failure)

	_, ok := manager.LastSQL()
	require.False(t, ok)
}

func TestAskCancelledAppendsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &recordingModel{reply: func(string) (string, error) {
		cancel()
		return "", context.Canceled
	}}
	manager := NewManager(ordersSchema(), model, &stubEngine{}, Options{Interactive: true})

	_, err := manager.Ask(ctx, "slow question")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, manager.Transcript())
}

func TestAskAnalysis(t *testing.T) {
	model := &recordingModel{reply: answer("SELECT city FROM orders")}
	engine := &stubEngine{result: query.Result{Columns: []string{"city"}, Rows: [][]any{{"Oslo"}}, Truncated: true}}
	manager := NewManager(ordersSchema(), model, engine, Options{Interactive: true})
	require.False(t, manager.Analyze())

	manager.SetAnalyze(true)
	round, err := manager.Ask(context.Background(), "which city?")
	require.NoError(t, err)
	require.NotNil(t, round.Analysis)
	require.True(t, round.Analysis.Available)
	require.Equal(t, "Oslo leads.", round.Analysis.Text)
	require.Contains(t, model.prompts[1], "The result was truncated")
	require.Equal(t, "Oslo leads.", manager.Transcript()[0].Analysis)

	_, err = manager.Ask(context.Background(), "and then?")
	require.NoError(t, err)
	require.Contains(t, model.prompts[2], "Analysis: Oslo leads.")
}

func TestAskAnalysisFailureKeepsRound(t *testing.T) {
	model := &recordingModel{reply: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Explain") {
			return "", errors.New("quota exceeded")
		}
		return "```sql\nSELECT id FROM orders\n```", nil
	}}
	manager := NewManager(ordersSchema(), model, &stubEngine{}, Options{Analyze: true})

	round, err := manager.Ask(context.Background(), "ids?")
	require.NoError(t, err)
	require.NotNil(t, round.Analysis)
	require.False(t, round.Analysis.Available)
	require.Equal(t, "analysis unavailable: quota exceeded", round.Analysis.Note)
	require.Equal(t, "SELECT id FROM orders", round.SQL)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	manager := NewManager(ordersSchema(), &recordingModel{reply: answer("SELECT 1")}, &stubEngine{}, Options{})
	_, err := manager.Ask(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestTranscriptIsMonotonicCopy(t *testing.T) {
	manager := NewManager(ordersSchema(), &recordingModel{reply: answer("SELECT id FROM orders")}, &stubEngine{}, Options{Interactive: true})

	_, err := manager.Ask(context.Background(), "one")
	require.NoError(t, err)
	before := manager.Transcript()
	before[0].Question = "tampered"

	_, err = manager.Ask(context.Background(), "two")
	require.NoError(t, err)
	after := manager.Transcript()
	require.Len(t, after, 2)
	require.Equal(t, "one", after[0].Question)
	require.Equal(t, "two", after[1].Question)
}

func TestAskSerialisesConcurrentCallers(t *testing.T) {
	manager := NewManager(ordersSchema(), &recordingModel{reply: answer("SELECT id FROM orders")}, &stubEngine{}, Options{Interactive: true})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = manager.Ask(context.Background(), "concurrent")
		}()
	}
	wg.Wait()
	require.Len(t, manager.Transcript(), 8)
}
