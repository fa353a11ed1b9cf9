package tutoring

import (
	"sort"
)

// Prompt window limits.
const (
	CompressThreshold = 50
	compressHead      = 10
	compressMiddle    = 10
	compressTail      = 30
)

// CompressHistory bounds a chronological history for prompting.
// Histories of up to CompressThreshold messages are returned unchanged.
// Longer ones keep the first 10 messages, a contiguous slice starting at the
// one-third mark and ending no later than the two-thirds mark, and the last 30,
// deduplicated by position and message ID and sorted chronologically.
func CompressHistory(history []Message) []Message {
	n := len(history)
	if n <= CompressThreshold {
		return history
	}

	midStart := n / 3
	midEnd := min(midStart+compressMiddle, (2*n)/3)

	type indexed struct {
		pos int
		msg Message
	}
	takenPos := make(map[int]bool, CompressThreshold)
	seen := make(map[string]bool, CompressThreshold)
	picked := make([]indexed, 0, CompressThreshold)
	take := func(from, to int) {
		for i := from; i < to; i++ {
			id := history[i].ID
			if takenPos[i] || (id != "" && seen[id]) {
				continue
			}
			takenPos[i] = true
			if id != "" {
				seen[id] = true
			}
			picked = append(picked, indexed{pos: i, msg: history[i]})
		}
	}

	// Tail first so that duplicate IDs resolve to the most recent copy.
	take(n-compressTail, n)
	take(0, compressHead)
	take(midStart, midEnd)

	sort.SliceStable(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.pos < b.pos
	})

	out := make([]Message, len(picked))
	for i, p := range picked {
		out[i] = p.msg
	}
	return out
}

// TruncateHistory truncates the conversation history based on token and message limits.
// It applies message limit first, then token limit, removing oldest messages as needed.
// Returns the truncated history with the most recent messages preserved.
func TruncateHistory(history []Message, tokenLimit, messageLimit int) []Message {
	if len(history) == 0 {
		return history
	}

	if messageLimit > 0 && len(history) > messageLimit {
		history = history[len(history)-messageLimit:]
	}

	if tokenLimit <= 0 {
		return history
	}

	totalTokens := 0
	for _, msg := range history {
		totalTokens += messageTokens(msg)
	}

	for totalTokens > tokenLimit && len(history) > 0 {
		totalTokens -= messageTokens(history[0])
		history = history[1:]
	}

	return history
}

// messageTokens ignores TokenUsage, which for assistant replies includes the prompt.
func messageTokens(m Message) int {
	return EstimateTokens(m.Content)
}
