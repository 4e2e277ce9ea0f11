package executor

import (
	"sync"
	"unicode/utf8"
)

// tailBuffer keeps only the most recent maxBytes written to it.
type tailBuffer struct {
	mu       sync.Mutex
	maxBytes int
	data     []byte
	dropped  int64
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{maxBytes: maxBytes}
}

func (buffer *tailBuffer) Write(chunk []byte) (int, error) {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	buffer.data = append(buffer.data, chunk...)
	// Compact lazily so a chatty process does not cost a copy per write.
	if len(buffer.data) > 2*buffer.maxBytes {
		excess := len(buffer.data) - buffer.maxBytes
		buffer.dropped += int64(excess)
		buffer.data = append(buffer.data[:0:0], buffer.data[excess:]...)
	}
	return len(chunk), nil
}

func (buffer *tailBuffer) Truncated() bool {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	return buffer.dropped > 0 || len(buffer.data) > buffer.maxBytes
}

// String returns the retained tail, starting on a rune boundary.
func (buffer *tailBuffer) String() string {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	return TailString(string(buffer.data), buffer.maxBytes)
}

// TailString returns the last maxBytes of text without splitting a UTF-8 sequence.
func TailString(text string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(text) <= maxBytes {
		return text
	}
	tail := text[len(text)-maxBytes:]
	for index := 0; index < len(tail) && index < utf8.UTFMax; index++ {
		if utf8.RuneStart(tail[index]) {
			return tail[index:]
		}
	}
	return tail
}
