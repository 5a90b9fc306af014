package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/types"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		completion string
		hits       []types.Hit
		want       types.Answer
		wantErr    error
	}{
		{
			name:       "top hit is the source",
			completion: "  Psoriasis is chronic.\n",
			hits:       []types.Hit{hit("p.pdf", "Psoriasis text", 0.8), hit("e.pdf", "Eczema text", 0.4)},
			want: types.Answer{
				Answer:         "  Psoriasis is chronic.\n",
				BestSourceText: "Psoriasis text",
				SourceID:       "p.pdf",
				Score:          0.8,
			},
		},
		{
			name:       "no hits gives the no source sentinel",
			completion: "I don't know.",
			want:       types.Answer{Answer: "I don't know.", BestSourceText: types.NoSource, SourceID: types.NoSource},
		},
		{
			name:    "empty completion",
			hits:    []types.Hit{hit("p.pdf", "x", 1)},
			wantErr: types.ErrMalformedResponse,
		},
		{
			name:       "whitespace completion",
			completion: " \n\t",
			wantErr:    types.ErrMalformedResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(types.Completion{Text: tt.completion}, tt.hits)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
