// Package searcher answers free-text queries over the vector index.
//
// A query is embedded with the same provider that embedded the chunks and
// the nearest points are returned with their record metadata:
//
//	s := searcher.New(index, emb)
//	resp, err := s.Search(ctx, searcher.Request{
//	    Query: "school funding in rural areas",
//	    Types: types.TypeFilter{types.ItemWrittenQuestion},
//	    From:  types.MustParseDay("2024-01-01"),
//	    Limit: 5,
//	})
//
// Results are ordered by cosine similarity as reported by the index; there
// is no re-ranking.
package searcher
