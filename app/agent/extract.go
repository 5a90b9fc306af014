package agent

import (
	"fmt"
	"strings"

	"medrag/types"
)

// Extract builds the answer from a model completion and the hits that fed
// its prompt. The completion text is passed through unchanged; provenance
// comes from the top hit, or NoSource when nothing was retrieved.
func Extract(completion types.Completion, hits []types.Hit) (types.Answer, error) {
	if strings.TrimSpace(completion.Text) == "" {
		return types.Answer{}, fmt.Errorf("%w: model returned no answer text", types.ErrMalformedResponse)
	}
	answer := types.Answer{
		Answer:         completion.Text,
		BestSourceText: types.NoSource,
		SourceID:       types.NoSource,
	}
	if len(hits) > 0 {
		answer.BestSourceText = hits[0].Payload.Text
		answer.SourceID = hits[0].Payload.SourceID
		answer.Score = hits[0].Score
	}
	return answer, nil
}
