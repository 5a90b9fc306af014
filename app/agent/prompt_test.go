package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/types"
)

func hit(source, text string, score float64) types.Hit {
	return types.Hit{Payload: types.Payload{SourceID: source, Text: text}, Score: score}
}

func TestPromptAssembler_DefaultTemplate(t *testing.T) {
	p, err := NewPromptAssembler(DefaultTemplate, "")
	require.NoError(t, err)

	hits := []types.Hit{hit("a.pdf", "first chunk", 0.9), hit("b.pdf", "second chunk", 0.5)}
	got := p.Assemble("What is eczema?", hits)

	assert.Contains(t, got, "Context: first chunk\n\nsecond chunk\nQuestion: What is eczema?\n")
	assert.Equal(t, got, p.Assemble("What is eczema?", hits))
}

func TestPromptAssembler_EmptyContextMarker(t *testing.T) {
	p, err := NewPromptAssembler("C={context} Q={question}", "")
	require.NoError(t, err)
	assert.Equal(t, "C="+DefaultEmptyContext+" Q=why?", p.Assemble("why?", nil))

	custom, err := NewPromptAssembler("C={context} Q={question}", "<none>")
	require.NoError(t, err)
	assert.Equal(t, "C=<none> Q=why?", custom.Assemble("why?", []types.Hit{}))
}

func TestPromptAssembler_LiteralBraces(t *testing.T) {
	p, err := NewPromptAssembler(`{{"q": "{question}"}} {context}`, "")
	require.NoError(t, err)
	assert.Equal(t, `{"q": "x"} ctx`, p.Assemble("x", []types.Hit{hit("a", "ctx", 1)}))
}

func TestPromptAssembler_QuestionIsNotReinterpreted(t *testing.T) {
	p, err := NewPromptAssembler("{context}|{question}", "")
	require.NoError(t, err)
	assert.Equal(t, "{question}|{context}", p.Assemble("{context}", []types.Hit{hit("a", "{question}", 1)}))
}

func TestPromptAssembler_FieldMismatch(t *testing.T) {
	tests := []struct {
		name     string
		template string
	}{
		{"unknown field", "{context} {question} {history}"},
		{"missing question", "Context: {context}"},
		{"missing context", "Question: {question}"},
		{"repeated context", "{context} {question} {context}"},
		{"unclosed field", "{context} {question"},
		{"stray brace", "{context} {question} }"},
		{"padded name", "{ context } {question}"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPromptAssembler(tt.template, "")
			assert.ErrorIs(t, err, types.ErrTemplateFieldMismatch)
			assert.ErrorIs(t, err, types.ErrInvalidConfig)
			assert.ErrorIs(t, ValidateTemplate(tt.template), types.ErrTemplateFieldMismatch)
		})
	}
}
