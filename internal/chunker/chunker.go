package chunker

import (
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/dshills/parlharvest/pkg/types"
)

const (
	// DefaultSentencesPerChunk caps the number of sentences in one chunk
	DefaultSentencesPerChunk = 8

	// DefaultOverlapSentences is how many trailing sentences repeat in the next chunk
	DefaultOverlapSentences = 1

	// DefaultMaxChars caps chunk length; roughly 300 tokens at chars/4
	DefaultMaxChars = 1200

	// TokensPerChar is the heuristic for estimating tokens (chars/4)
	TokensPerChar = 4
)

var (
	sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+["'”’)\]]*`)
	tagPattern      = regexp.MustCompile(`<[^>]*>`)
	spacePattern    = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankPattern    = regexp.MustCompile(`\n\s*\n+`)
)

// Config controls chunk sizing
type Config struct {
	SentencesPerChunk int
	OverlapSentences  int
	MaxChars          int
}

// Chunker splits record text into overlapping sentence windows for embedding
type Chunker struct {
	sentencesPerChunk int
	overlapSentences  int
	maxChars          int
}

// New creates a new Chunker instance; zero values take defaults
func New(cfg Config) *Chunker {
	c := &Chunker{
		sentencesPerChunk: cfg.SentencesPerChunk,
		overlapSentences:  cfg.OverlapSentences,
		maxChars:          cfg.MaxChars,
	}
	if c.sentencesPerChunk <= 0 {
		c.sentencesPerChunk = DefaultSentencesPerChunk
	}
	if c.overlapSentences < 0 {
		c.overlapSentences = 0
	}
	if c.overlapSentences >= c.sentencesPerChunk {
		c.overlapSentences = c.sentencesPerChunk - 1
	}
	if c.maxChars <= 0 {
		c.maxChars = DefaultMaxChars
	}
	return c
}

// Chunk splits text into chunks for itemID. Empty text yields no chunks.
func (c *Chunker) Chunk(itemID, text string) []*types.Chunk {
	sentences := c.sentences(Normalize(text))
	if len(sentences) == 0 {
		return nil
	}

	var chunks []*types.Chunk
	start := 0
	for start < len(sentences) {
		end := start
		size := 0
		for end < len(sentences) && end-start < c.sentencesPerChunk {
			next := len(sentences[end])
			if end > start {
				next++ // joining space
			}
			if end > start && size+next > c.maxChars {
				break
			}
			size += next
			end++
		}

		chunk := &types.Chunk{
			ItemID:        itemID,
			Index:         len(chunks),
			Content:       strings.Join(sentences[start:end], " "),
			StartSentence: start,
			EndSentence:   end,
		}
		chunk.ComputeTokenCount()
		chunk.ComputeContentHash()
		chunks = append(chunks, chunk)

		if end == len(sentences) {
			break
		}
		next := end - c.overlapSentences
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// sentences splits text into sentences, breaking any sentence longer than
// maxChars at word boundaries
func (c *Chunker) sentences(text string) []string {
	var out []string
	for _, s := range SplitSentences(text) {
		if len(s) <= c.maxChars {
			out = append(out, s)
			continue
		}
		out = append(out, splitWords(s, c.maxChars)...)
	}
	return out
}

// SplitSentences splits text into trimmed sentences. Paragraph breaks always
// end a sentence and trailing text without terminal punctuation is kept.
func SplitSentences(text string) []string {
	var sentences []string
	for _, para := range blankPattern.Split(text, -1) {
		para = strings.TrimSpace(strings.ReplaceAll(para, "\n", " "))
		if para == "" {
			continue
		}
		last := 0
		for _, loc := range sentencePattern.FindAllStringIndex(para, -1) {
			if s := strings.TrimSpace(para[loc[0]:loc[1]]); s != "" {
				sentences = append(sentences, s)
			}
			last = loc[1]
		}
		if rest := strings.TrimSpace(para[last:]); rest != "" {
			sentences = append(sentences, rest)
		}
	}
	return sentences
}

func splitWords(s string, maxChars int) []string {
	var (
		parts []string
		b     strings.Builder
	)
	for _, word := range strings.Fields(s) {
		if b.Len() > 0 && b.Len()+1+len(word) > maxChars {
			parts = append(parts, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

// Normalize prepares API text for embedding: Unicode NFC, markup removed,
// entities decoded and runs of spaces collapsed. Paragraph breaks survive.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n").Replace(text)
	text = tagPattern.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = spacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// EstimateTokenCount estimates the number of tokens in a string
func EstimateTokenCount(text string) int {
	return len(text) / TokensPerChar
}
