package knowledge

// SplitText splits text into overlapping chunks of at most size runes.
// Consecutive chunks advance by size-overlap runes, so each chunk shares its
// trailing overlap runes with the next chunk's head. The final chunk may be
// shorter; it always reaches the end of the text.
//
// Rune-based windows keep multi-byte text from being split mid-character.
// Callers must guarantee 0 <= overlap < size; the configuration layer
// enforces this before any ingest runs.
func SplitText(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	stride := size - overlap
	chunks := make([]string, 0, (len(runes)+stride-1)/stride)
	for start := 0; start < len(runes); start += stride {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
