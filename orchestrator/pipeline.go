// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/donlasahachat6/mrpromth-sub002/orchestrator/llm"
)

// Pipeline file envelope values.
const (
	PipelineAPIVersion = "mrprompt.io/v1"
	PipelineKind       = "Pipeline"

	// MaxLLMTemperature is the maximum allowed temperature for a step
	MaxLLMTemperature = 2.0
)

// AgentStep is one agent of the pipeline.
type AgentStep struct {
	Name         string  `yaml:"name" json:"name"`
	SystemPrompt string  `yaml:"system_prompt" json:"system_prompt"`
	Instruction  string  `yaml:"instruction" json:"instruction"`
	Temperature  float64 `yaml:"temperature" json:"temperature"`
	MaxTokens    int     `yaml:"max_tokens" json:"max_tokens"`
}

// DefaultPipeline returns the seven-agent chain that turns a product idea
// into a deployable project.
func DefaultPipeline() []AgentStep {
	return []AgentStep{
		{
			Name:         "Prompt Expander & Analyzer",
			SystemPrompt: "You are a senior product analyst. You turn short product ideas into precise, complete requirements.",
			Instruction:  "Analyze the request. List the target users, core features, pages, data entities and non-functional requirements. Resolve ambiguity with sensible defaults and state them.",
			Temperature:  0.3,
			MaxTokens:    1000,
		},
		{
			Name:         "Architecture Designer",
			SystemPrompt: "You are a software architect designing full-stack web applications.",
			Instruction:  "Design the architecture: tech stack, folder structure, data model, API routes and component tree. Keep it consistent with the analysis above.",
			Temperature:  0.4,
			MaxTokens:    2000,
		},
		{
			Name:         "Database & Backend Developer",
			SystemPrompt: "You are a backend engineer. You write production-ready database schemas and API handlers.",
			Instruction:  "Write the database schema, migrations and backend API handlers for the architecture above.",
			Temperature:  0.2,
			MaxTokens:    4000,
		},
		{
			Name:         "Frontend Component Developer",
			SystemPrompt: "You are a frontend engineer. You write accessible, responsive UI components.",
			Instruction:  "Write the pages and UI components for the architecture above, wired to the backend API.",
			Temperature:  0.3,
			MaxTokens:    4000,
		},
		{
			Name:         "Integration & Logic Developer",
			SystemPrompt: "You are a full-stack engineer responsible for integration and business logic.",
			Instruction:  "Connect frontend and backend, implement authentication, validation, state management and the remaining business logic.",
			Temperature:  0.3,
			MaxTokens:    3000,
		},
		{
			Name:         "Testing & Quality Assurance",
			SystemPrompt: "You are a QA engineer. You write thorough automated tests and review code for defects.",
			Instruction:  "Write unit, integration and end-to-end tests for the code above and list any defects you find with fixes.",
			Temperature:  0.2,
			MaxTokens:    3000,
		},
		{
			Name:         "Optimization & Deployment",
			SystemPrompt: "You are a DevOps engineer focused on performance and reliable deployments.",
			Instruction:  "Optimize performance, then provide the build configuration, environment variables, CI workflow and deployment steps.",
			Temperature:  0.3,
			MaxTokens:    2000,
		},
	}
}

// PipelineFile is a pipeline definition on disk, following the
// apiVersion/kind envelope used by the agent configuration files.
type PipelineFile struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   PipelineMetadata `yaml:"metadata"`
	Spec       PipelineSpec     `yaml:"spec"`
}

// PipelineMetadata names a pipeline definition.
type PipelineMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// PipelineSpec holds the ordered steps.
type PipelineSpec struct {
	Steps []AgentStep `yaml:"steps"`
}

// LoadPipelineFile loads and validates a pipeline definition.
func LoadPipelineFile(path string) ([]AgentStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	return ParsePipeline(data)
}

// ParsePipeline parses and validates a pipeline definition.
func ParsePipeline(data []byte) ([]AgentStep, error) {
	var file PipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if err := ValidatePipeline(&file); err != nil {
		return nil, err
	}
	return file.Spec.Steps, nil
}

// ValidatePipeline checks the envelope and every step.
func ValidatePipeline(file *PipelineFile) error {
	if file.APIVersion != PipelineAPIVersion {
		return fmt.Errorf("unsupported apiVersion %q, expected %q", file.APIVersion, PipelineAPIVersion)
	}
	if file.Kind != PipelineKind {
		return fmt.Errorf("unsupported kind %q, expected %q", file.Kind, PipelineKind)
	}
	if len(file.Spec.Steps) == 0 {
		return fmt.Errorf("pipeline must have at least one step")
	}

	seen := make(map[string]bool, len(file.Spec.Steps))
	for i, step := range file.Spec.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("step %d: duplicate name %q", i, name)
		}
		seen[name] = true

		if step.Temperature < 0 || step.Temperature > MaxLLMTemperature {
			return fmt.Errorf("step %q: temperature must be between 0 and %.1f", name, MaxLLMTemperature)
		}
		if step.MaxTokens < 0 {
			return fmt.Errorf("step %q: max_tokens must not be negative", name)
		}
	}
	return nil
}

// priorOutput is the result of an earlier step fed into later ones.
type priorOutput struct {
	Name   string
	Output string
}

// buildStepMessages assembles the chat for a step: the step's system prompt,
// then the original request, every earlier output and the step instruction.
//
// With maxContextChars > 0 the earlier outputs are capped: the most recent
// ones are kept whole and older ones are dropped first.
func buildStepMessages(step AgentStep, prompt string, prior []priorOutput, maxContextChars int) []llm.Message {
	var messages []llm.Message
	if step.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: step.SystemPrompt})
	}

	var b strings.Builder
	b.WriteString("## Original request\n")
	b.WriteString(prompt)
	b.WriteString("\n\n")

	if previous := buildPreviousOutputsContext(prior, maxContextChars); previous != "" {
		b.WriteString(previous)
		b.WriteString("\n")
	}

	if step.Instruction != "" {
		b.WriteString("## Your task\n")
		b.WriteString(step.Instruction)
		b.WriteString("\n")
	}

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: b.String()})
	return messages
}

// buildPreviousOutputsContext renders earlier outputs, newest blocks winning
// when the cap is hit.
func buildPreviousOutputsContext(prior []priorOutput, maxChars int) string {
	if len(prior) == 0 {
		return ""
	}

	blocks := make([]string, len(prior))
	for i, p := range prior {
		blocks[i] = fmt.Sprintf("## Step %d: %s\n%s\n\n", i+1, p.Name, p.Output)
	}

	// maxChars counts characters, not bytes.
	first := 0
	if maxChars > 0 {
		used := 0
		first = len(blocks)
		for i := len(blocks) - 1; i >= 0; i-- {
			n := utf8.RuneCountInString(blocks[i])
			if used+n > maxChars {
				break
			}
			used += n
			first = i
		}
		if first == len(blocks) {
			// Newest output alone exceeds the cap; keep its tail.
			last := blocks[len(blocks)-1]
			blocks[len(blocks)-1] = "[truncated] ..." + tailRunes(last, maxChars)
			first = len(blocks) - 1
		}
	}

	var b strings.Builder
	b.WriteString("===== PREVIOUS STEP RESULTS =====\n\n")
	if first > 0 {
		fmt.Fprintf(&b, "(%d earlier step result(s) omitted)\n\n", first)
	}
	for _, block := range blocks[first:] {
		b.WriteString(block)
	}
	b.WriteString("===== END OF PREVIOUS RESULTS =====\n")
	return b.String()
}

// tailRunes returns the last n characters of s without splitting a rune.
func tailRunes(s string, n int) string {
	cut := len(s)
	for ; n > 0 && cut > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(s[:cut])
		cut -= size
	}
	return s[cut:]
}

// stepNames returns the names of steps in order.
func stepNames(steps []AgentStep) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}
