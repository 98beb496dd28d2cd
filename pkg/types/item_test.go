package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemID(t *testing.T) {
	assert.Equal(t, "hansard_ABC-1", ItemContribution.ItemID("ABC-1"))
	assert.Equal(t, "pq_170001", ItemWrittenQuestion.ItemID("170001"))
	assert.False(t, ItemType("debate").Valid())
}

func TestParseTypeFilter(t *testing.T) {
	tests := []struct {
		input   string
		want    []ItemType
		wantErr bool
	}{
		{"", AllItemTypes, false},
		{"all", AllItemTypes, false},
		{"contribution", []ItemType{ItemContribution}, false},
		{"hansard", []ItemType{ItemContribution}, false},
		{"pqs", []ItemType{ItemWrittenQuestion}, false},
		{"written-question,contribution", AllItemTypes, false},
		{"pqs,pq", []ItemType{ItemWrittenQuestion}, false},
		{"debates", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			f, err := ParseTypeFilter(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownItemType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Types())
		})
	}
}

func TestTypeFilterIncludes(t *testing.T) {
	var all TypeFilter
	assert.True(t, all.Includes(ItemContribution))
	assert.True(t, all.Includes(ItemWrittenQuestion))
	assert.Equal(t, "all", all.String())

	only := TypeFilter{ItemWrittenQuestion}
	assert.False(t, only.Includes(ItemContribution))
	assert.Equal(t, "written-question", only.String())
}

func TestChunkValidate(t *testing.T) {
	c := &Chunk{ItemID: "pq_1", Content: "What steps is the Government taking?"}
	c.ComputeContentHash()
	assert.NoError(t, c.Validate())
	assert.Equal(t, len(c.Content)/4, c.ComputeTokenCount())

	assert.ErrorIs(t, (&Chunk{Content: "x"}).Validate(), ErrMissingItemID)
	assert.ErrorIs(t, (&Chunk{ItemID: "pq_1"}).Validate(), ErrEmptyContent)
	assert.ErrorIs(t, (&Chunk{ItemID: "pq_1", Content: "x", Index: -1}).Validate(), ErrInvalidChunkIdx)
}

func TestSearchResultValidate(t *testing.T) {
	r := &SearchResult{ItemID: "pq_1", Rank: 1, RelevanceScore: 0.8, Content: "text"}
	assert.NoError(t, r.Validate())

	r.Rank = 0
	assert.ErrorIs(t, r.Validate(), ErrInvalidRank)

	r.Rank = 1
	r.RelevanceScore = 1.5
	assert.ErrorIs(t, r.Validate(), ErrInvalidRelevanceScore)
}
