// Package chunker splits parliamentary text into overlapping sentence
// windows for embedding.
//
// Contributions can run to thousands of words and written answers often
// carry HTML markup, so text is normalized first (NFC, tags stripped,
// entities decoded) and then grouped into chunks of whole sentences.
//
// # Basic Usage
//
//	c := chunker.New(chunker.Config{SentencesPerChunk: 8, OverlapSentences: 1, MaxChars: 1200})
//	for _, chunk := range c.Chunk("pq_170001", doc.Text) {
//	    fmt.Printf("chunk %d: %d tokens\n", chunk.Index, chunk.TokenCount)
//	}
//
// # Chunk Sizing
//
// A chunk holds at most SentencesPerChunk sentences and at most MaxChars
// characters, whichever limit is reached first. The last OverlapSentences
// sentences of a chunk open the next one so that context carries across
// boundaries. A single sentence longer than MaxChars is broken at word
// boundaries.
//
// Token estimation uses a simple heuristic (chars/4).
package chunker
