// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donlasahachat6/mrpromth-sub002/orchestrator/llm"
)

const validPipelineYAML = `
apiVersion: mrprompt.io/v1
kind: Pipeline
metadata:
  name: landing-page
  description: Two-step landing page generator
spec:
  steps:
    - name: Copywriter
      system_prompt: You write marketing copy.
      instruction: Write the hero section copy.
      temperature: 0.7
      max_tokens: 500
    - name: Builder
      system_prompt: You write HTML.
      instruction: Build the page from the copy above.
      temperature: 0.2
      max_tokens: 1500
`

func TestDefaultPipeline(t *testing.T) {
	steps := DefaultPipeline()
	require.Len(t, steps, 7)
	assert.Equal(t, "Prompt Expander & Analyzer", steps[0].Name)
	assert.Equal(t, "Optimization & Deployment", steps[6].Name)

	file := &PipelineFile{APIVersion: PipelineAPIVersion, Kind: PipelineKind, Spec: PipelineSpec{Steps: steps}}
	assert.NoError(t, ValidatePipeline(file))
}

func TestParsePipeline(t *testing.T) {
	steps, err := ParsePipeline([]byte(validPipelineYAML))
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "Copywriter", steps[0].Name)
	assert.Equal(t, 0.7, steps[0].Temperature)
	assert.Equal(t, 1500, steps[1].MaxTokens)
	assert.Equal(t, []string{"Copywriter", "Builder"}, stepNames(steps))
}

func TestParsePipelineErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			yaml:    "apiVersion: [",
			wantErr: "failed to parse pipeline",
		},
		{
			name:    "wrong apiVersion",
			yaml:    "apiVersion: v2\nkind: Pipeline\nspec:\n  steps:\n    - name: a\n",
			wantErr: "unsupported apiVersion",
		},
		{
			name:    "wrong kind",
			yaml:    "apiVersion: mrprompt.io/v1\nkind: Agent\nspec:\n  steps:\n    - name: a\n",
			wantErr: "unsupported kind",
		},
		{
			name:    "no steps",
			yaml:    "apiVersion: mrprompt.io/v1\nkind: Pipeline\nspec:\n  steps: []\n",
			wantErr: "at least one step",
		},
		{
			name:    "blank name",
			yaml:    "apiVersion: mrprompt.io/v1\nkind: Pipeline\nspec:\n  steps:\n    - name: ' '\n",
			wantErr: "name is required",
		},
		{
			name:    "duplicate name",
			yaml:    "apiVersion: mrprompt.io/v1\nkind: Pipeline\nspec:\n  steps:\n    - name: a\n    - name: a\n",
			wantErr: "duplicate name",
		},
		{
			name:    "temperature too high",
			yaml:    "apiVersion: mrprompt.io/v1\nkind: Pipeline\nspec:\n  steps:\n    - name: a\n      temperature: 2.5\n",
			wantErr: "temperature must be between",
		},
		{
			name:    "negative max tokens",
			yaml:    "apiVersion: mrprompt.io/v1\nkind: Pipeline\nspec:\n  steps:\n    - name: a\n      max_tokens: -1\n",
			wantErr: "max_tokens must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadPipelineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validPipelineYAML), 0o600))

	steps, err := LoadPipelineFile(path)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	_, err = LoadPipelineFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildStepMessages(t *testing.T) {
	step := AgentStep{Name: "Builder", SystemPrompt: "You write HTML.", Instruction: "Build the page."}
	prior := []priorOutput{
		{Name: "Analyzer", Output: "requirements"},
		{Name: "Designer", Output: "architecture"},
	}

	messages := buildStepMessages(step, "a landing page", prior, 0)
	require.Len(t, messages, 2)
	assert.Equal(t, llm.RoleSystem, messages[0].Role)
	assert.Equal(t, "You write HTML.", messages[0].Content)
	assert.Equal(t, llm.RoleUser, messages[1].Role)

	user := messages[1].Content
	assert.Contains(t, user, "a landing page")
	assert.Contains(t, user, "## Step 1: Analyzer\nrequirements")
	assert.Contains(t, user, "## Step 2: Designer\narchitecture")
	assert.Contains(t, user, "## Your task\nBuild the page.")
	assert.Less(t, strings.Index(user, "Analyzer"), strings.Index(user, "Designer"))
	assert.Less(t, strings.Index(user, "Designer"), strings.Index(user, "## Your task"))
}

func TestBuildStepMessagesFirstStep(t *testing.T) {
	messages := buildStepMessages(AgentStep{Name: "a"}, "idea", nil, 0)
	require.Len(t, messages, 1, "no system prompt configured")
	assert.NotContains(t, messages[0].Content, "PREVIOUS STEP RESULTS")
	assert.NotContains(t, messages[0].Content, "## Your task")
}

func TestBuildPreviousOutputsContextCap(t *testing.T) {
	prior := []priorOutput{
		{Name: "one", Output: strings.Repeat("a", 100)},
		{Name: "two", Output: strings.Repeat("b", 100)},
		{Name: "three", Output: strings.Repeat("c", 100)},
	}

	full := buildPreviousOutputsContext(prior, 0)
	assert.Contains(t, full, "## Step 1: one")
	assert.NotContains(t, full, "omitted")

	// Room for the newest two blocks only.
	capped := buildPreviousOutputsContext(prior, 250)
	assert.NotContains(t, capped, "## Step 1: one")
	assert.Contains(t, capped, "## Step 2: two")
	assert.Contains(t, capped, "## Step 3: three")
	assert.Contains(t, capped, "(1 earlier step result(s) omitted)")

	// The newest block alone is too large.
	tiny := buildPreviousOutputsContext(prior, 20)
	assert.Contains(t, tiny, "[truncated] ...")
	assert.Contains(t, tiny, strings.Repeat("c", 18))
	assert.NotContains(t, tiny, "## Step 3")
	assert.Contains(t, tiny, "(2 earlier step result(s) omitted)")

	assert.Empty(t, buildPreviousOutputsContext(nil, 100))
}

func TestBuildPreviousOutputsContextCapCountsCharacters(t *testing.T) {
	thai := strings.Repeat("สร้างแอป", 20)

	got := buildPreviousOutputsContext([]priorOutput{{Name: "builder", Output: thai}}, 100)
	require.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "[truncated] ...")

	body := got[strings.Index(got, "[truncated] ...")+len("[truncated] ..."):]
	body = strings.TrimSuffix(body, "===== END OF PREVIOUS RESULTS =====\n")
	assert.Equal(t, 100, utf8.RuneCountInString(body))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "สร้างแอป"))

	// Two short Thai blocks fit by characters even though they exceed the cap in bytes.
	prior := []priorOutput{
		{Name: "a", Output: "สร้างแอป"},
		{Name: "b", Output: "สร้างแอป"},
	}
	both := buildPreviousOutputsContext(prior, 50)
	assert.Contains(t, both, "## Step 1: a")
	assert.Contains(t, both, "## Step 2: b")
	assert.NotContains(t, both, "omitted")
}
