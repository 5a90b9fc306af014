package agent

import (
	"fmt"
	"strings"

	"medrag/types"
)

const (
	FieldContext  = "context"
	FieldQuestion = "question"

	// ContextSeparator joins retrieved chunk texts in rank order.
	ContextSeparator = "\n\n"

	DefaultEmptyContext = "No relevant context was found in the knowledge base."

	DefaultTemplate = `Use the following pieces of information to answer the user's question.
If you don't know the answer, just say that you don't know, don't try to make up an answer.

Context: {context}
Question: {question}

Only return the helpful answer. Answer must be detailed and well explained.
Helpful answer:
`

	DefaultSystemPrompt = "You are a strict dermatology assistant. " +
		"You will only respond to dermatology-related queries that are correctly formatted and free of typos. " +
		"Do not interpret or correct user mistakes. " +
		"If the user explicitly asks for product recommendations, diet plans, or practices to avoid, then provide that information. " +
		"Otherwise, simply answer the dermatology query without listing those three points."
)

type segment struct {
	literal string
	field   string
}

// PromptAssembler fills a template with exactly one {context} and one
// {question} field. Doubled braces stand for literal ones. It holds no
// mutable state and may be shared between requests.
type PromptAssembler struct {
	segments    []segment
	emptyMarker string
}

// NewPromptAssembler parses template once. Any field other than context and
// question, or either of them missing or repeated, is ErrTemplateFieldMismatch.
func NewPromptAssembler(template, emptyMarker string) (*PromptAssembler, error) {
	segments, err := parseTemplate(template)
	if err != nil {
		return nil, err
	}
	if emptyMarker == "" {
		emptyMarker = DefaultEmptyContext
	}
	return &PromptAssembler{segments: segments, emptyMarker: emptyMarker}, nil
}

// ValidateTemplate reports whether template would be accepted by NewPromptAssembler.
func ValidateTemplate(template string) error {
	_, err := parseTemplate(template)
	return err
}

func parseTemplate(template string) ([]segment, error) {
	var (
		segments []segment
		literal  strings.Builder
		seen     = map[string]int{}
	)
	flush := func() {
		if literal.Len() > 0 {
			segments = append(segments, segment{literal: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch {
		case c == '{' && i+1 < len(template) && template[i+1] == '{':
			literal.WriteByte('{')
			i++
		case c == '}' && i+1 < len(template) && template[i+1] == '}':
			literal.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed field at offset %d", types.ErrTemplateFieldMismatch, i)
			}
			name := template[i+1 : i+1+end]
			if name != FieldContext && name != FieldQuestion {
				return nil, fmt.Errorf("%w: unknown field {%s}", types.ErrTemplateFieldMismatch, name)
			}
			seen[name]++
			flush()
			segments = append(segments, segment{field: name})
			i += end + 1
		case c == '}':
			return nil, fmt.Errorf("%w: stray '}' at offset %d", types.ErrTemplateFieldMismatch, i)
		default:
			literal.WriteByte(c)
		}
	}
	flush()

	for _, name := range []string{FieldContext, FieldQuestion} {
		if seen[name] != 1 {
			return nil, fmt.Errorf("%w: field {%s} must appear exactly once, found %d",
				types.ErrTemplateFieldMismatch, name, seen[name])
		}
	}
	return segments, nil
}

// Context joins hit texts in rank order, or returns the empty-context marker.
func (p *PromptAssembler) Context(hits []types.Hit) string {
	if len(hits) == 0 {
		return p.emptyMarker
	}
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Payload.Text
	}
	return strings.Join(texts, ContextSeparator)
}

func (p *PromptAssembler) Assemble(question string, hits []types.Hit) string {
	context := p.Context(hits)

	var b strings.Builder
	for _, s := range p.segments {
		switch s.field {
		case FieldContext:
			b.WriteString(context)
		case FieldQuestion:
			b.WriteString(question)
		default:
			b.WriteString(s.literal)
		}
	}
	return b.String()
}
