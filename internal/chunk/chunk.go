package chunk

import (
	"regexp"
	"strings"
)

// Chunk is one fragment of a version's content, ordered by Index.
type Chunk struct {
	Index int
	Text  string
}

// Splitter turns accepted content into chunks for embedding.
type Splitter interface {
	Split(content string) []Chunk
}

// SentenceSplitter groups sentences into fixed-size chunks with
// optional sentence overlap between neighbors.
type SentenceSplitter struct {
	sentencesPerChunk int
	overlapSentences  int
	splitter          *regexp.Regexp
}

// NewSentenceSplitter creates a splitter. Non-positive sizes fall back
// to defaults.
func NewSentenceSplitter(sentencesPerChunk, overlapSentences int) *SentenceSplitter {
	if sentencesPerChunk <= 0 {
		sentencesPerChunk = 5
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}
	if overlapSentences >= sentencesPerChunk {
		overlapSentences = sentencesPerChunk - 1
	}
	return &SentenceSplitter{
		sentencesPerChunk: sentencesPerChunk,
		overlapSentences:  overlapSentences,
		splitter:          regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`),
	}
}

// Split implements Splitter. Content without sentence punctuation
// yields a single chunk; empty content yields none.
func (s *SentenceSplitter) Split(content string) []Chunk {
	sentences := s.splitter.FindAllString(content, -1)
	if len(sentences) == 0 {
		trimmed := strings.TrimSpace(content)
		if trimmed == "" {
			return nil
		}
		sentences = []string{trimmed}
	}
	for i := range sentences {
		sentences[i] = strings.TrimSpace(sentences[i])
	}

	var chunks []Chunk
	i := 0
	idx := 0
	for i < len(sentences) {
		end := i + s.sentencesPerChunk
		if end > len(sentences) {
			end = len(sentences)
		}
		chunks = append(chunks, Chunk{
			Index: idx,
			Text:  strings.Join(sentences[i:end], " "),
		})
		if end == len(sentences) {
			break
		}
		i = end - s.overlapSentences
		idx++
	}
	return chunks
}
