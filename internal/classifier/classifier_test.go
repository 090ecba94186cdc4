package classifier

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fyrsmithlabs/plannerd/internal/completion"
	"github.com/fyrsmithlabs/plannerd/internal/metrics"
	"github.com/fyrsmithlabs/plannerd/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replying(reply string, err error) completion.Completer {
	return completion.CompleterFunc(func(context.Context, string, string) (string, error) {
		return reply, err
	})
}

func TestClassify_PrimaryPath(t *testing.T) {
	var gotPrompt string
	c := New(completion.CompleterFunc(func(_ context.Context, system, prompt string) (string, error) {
		gotPrompt = prompt
		return `[{"type":"edit","text":"Add a hero section","explanation":"new component"}]`, nil
	}))

	tasks := c.Classify(context.Background(), "Add a hero section", "")

	require.Len(t, tasks, 1)
	assert.Equal(t, task.TypeEdit, tasks[0].Type)
	assert.Equal(t, "Add a hero section | new component", tasks[0].Intent)
	assert.Equal(t, "", tasks[0].Context)
	assert.Empty(t, tasks[0].StepID)
	assert.Contains(t, gotPrompt, "(none)")
	assert.Contains(t, gotPrompt, "Add a hero section")
}

func TestClassify_SplitsIntoOrderedTasks(t *testing.T) {
	c := New(replying(`[
		{"type":"edit","text":"add a login form","explanation":"component"},
		{"type":"act","text":"click submit","explanation":"page action"}
	]`, nil))

	tasks := c.Classify(context.Background(), "add a login form and click submit", "Add a hero section")

	require.Len(t, tasks, 2)
	assert.Equal(t, task.TypeEdit, tasks[0].Type)
	assert.Equal(t, task.TypeAct, tasks[1].Type)
	for _, tk := range tasks {
		assert.Equal(t, "Add a hero section", tk.Context)
	}
}

func TestClassify_PreviousContextInPrompt(t *testing.T) {
	var gotPrompt string
	c := New(completion.CompleterFunc(func(_ context.Context, _, prompt string) (string, error) {
		gotPrompt = prompt
		return `[{"type":"edit","text":"Make the button bigger","explanation":"resize"}]`, nil
	}))

	c.Classify(context.Background(), "Make the button bigger", "Add a hero section")
	assert.Contains(t, gotPrompt, "Add a hero section")
	assert.Contains(t, gotPrompt, "Make the button bigger")
}

func TestClassify_TolerantParsing(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  task.Type
	}{
		{"code fence", "```json\n[{\"type\":\"act\",\"text\":\"scroll\",\"explanation\":\"x\"}]\n```", task.TypeAct},
		{"bare fence", "```\n[{\"type\":\"edit\",\"text\":\"a\",\"explanation\":\"b\"}]\n```", task.TypeEdit},
		{"prose around", "Sure! Here you go: [{\"type\":\"clarify\",\"text\":\"a\",\"explanation\":\"b\"}] Hope that helps.", task.TypeClarify},
		{"single object", `{"type":"EDIT","text":"a","explanation":"b"}`, task.TypeEdit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := New(replying(tt.reply, nil)).Classify(context.Background(), "x", "")
			require.Len(t, tasks, 1)
			assert.Equal(t, tt.want, tasks[0].Type)
		})
	}
}

func TestClassify_BlankExplanationIsGenerated(t *testing.T) {
	tasks := New(replying(`[{"type":"edit","text":"Add a hero section","explanation":""},{"type":"act","text":"click save","explanation":"  "}]`, nil)).
		Classify(context.Background(), "Add a hero section and click save", "")

	require.Len(t, tasks, 2)
	assert.Equal(t, "Add a hero section | classified as edit", tasks[0].Intent)
	assert.Equal(t, "click save | classified as act", tasks[1].Intent)
}

func TestClassify_EmptyTextUsesRawText(t *testing.T) {
	tasks := New(replying(`[{"type":"edit","text":"","explanation":"resize"}]`, nil)).
		Classify(context.Background(), "Make the button bigger", "")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Make the button bigger | resize", tasks[0].Intent)
}

func TestClassify_Fallback(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		err    error
		reason string
	}{
		{"collaborator error", "", errors.New("503"), ReasonError},
		{"timeout", "", fmt.Errorf("generating completion: %w", context.DeadlineExceeded), ReasonTimeout},
		{"not json", "I think you want an edit.", nil, ReasonMalformed},
		{"broken json", `[{"type":"edit",`, nil, ReasonMalformed},
		{"empty list", `[]`, nil, ReasonEmpty},
		{"invalid type", `[{"type":"delete","text":"x","explanation":"y"}]`, nil, ReasonInvalidType},
		{"one invalid among valid", `[{"type":"edit","text":"a","explanation":"b"},{"type":"paint","text":"c","explanation":"d"}]`, nil, ReasonInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewMetricsWith(prometheus.NewRegistry())
			c := New(replying(tt.reply, tt.err), WithMetrics(m))

			tasks := c.Classify(context.Background(), "Change that", "")

			require.Len(t, tasks, 1)
			assert.Equal(t, task.TypeClarify, tasks[0].Type)
			assert.Equal(t, task.Intent("Change that", FailedExplanation), tasks[0].Intent)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.ClassifierFallbacks.WithLabelValues(tt.reason)))
		})
	}
}

func TestClassify_NilCompleter(t *testing.T) {
	tasks := New(nil).Classify(context.Background(), "Add a hero section", "")
	require.Len(t, tasks, 1)
	assert.Equal(t, task.TypeClarify, tasks[0].Type)
}

func TestClassify_HeuristicFallback(t *testing.T) {
	failing := replying("", errors.New("offline"))
	c := New(failing, WithHeuristicFallback(true))

	tests := []struct {
		text     string
		previous string
		want     task.Type
	}{
		{"Add a hero section", "", task.TypeEdit},
		{"Make the button bigger", "Add a hero section", task.TypeEdit},
		{"Click the submit button", "", task.TypeAct},
		{"Scroll down to the footer", "", task.TypeAct},
		{"Change that", "", task.TypeClarify},
		{"Change that to blue", "Add a red banner", task.TypeEdit},
		{"hmm", "", task.TypeClarify},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			tasks := c.Classify(context.Background(), tt.text, tt.previous)
			require.Len(t, tasks, 1)
			assert.Equal(t, tt.want, tasks[0].Type)
			assert.Equal(t, tt.previous, tasks[0].Context)
		})
	}
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `[1,2]`, extractJSON("```json\n[1,2]\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`result: {"a":1}.`))
	assert.Equal(t, "", extractJSON("no json here"))
	assert.Equal(t, "", extractJSON("] backwards ["))
}
