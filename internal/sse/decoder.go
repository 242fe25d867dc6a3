// Package sse decodes Server-Sent-Event bodies into chunk sequences.
// Streams are forward-only and single-consumer; reopening the
// underlying connection is the only way to restart one.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/icube-dev/traego/internal/domain"
)

const doneMarker = "[DONE]"

// Stream is a lazy sequence of decoded chunks. Drain Chunks(), then
// check Err() for how the sequence ended.
type Stream struct {
	ch     chan domain.Chunk
	done   chan struct{}
	body   io.ReadCloser
	onDone func(*Stream)

	mu      sync.Mutex
	err     error
	skipped int
	lastErr error
	yielded int
	closed  bool
}

// Option configures a Stream.
type Option func(*Stream)

// WithDoneFunc registers a callback invoked once, after the chunk
// channel has been closed. The stream's Err() is final at that point.
func WithDoneFunc(fn func(*Stream)) Option {
	return func(s *Stream) { s.onDone = fn }
}

// Decode starts decoding body. The returned stream owns the body and
// closes it when the sequence ends or Close is called.
func Decode(body io.ReadCloser, opts ...Option) *Stream {
	s := &Stream{
		ch:   make(chan domain.Chunk),
		done: make(chan struct{}),
		body: body,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Chunks returns the chunk channel. It is closed when the server sends
// a terminal marker, the connection closes, or the stream is aborted.
func (s *Stream) Chunks() <-chan domain.Chunk { return s.ch }

// Err reports how the stream ended. It is nil for a clean end, a
// TransportError for a dropped connection, and a DecodeError when the
// stream produced no valid chunk despite malformed data lines. Only
// meaningful after Chunks() is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.yielded == 0 && s.skipped > 0 {
		return &domain.DecodeError{Skipped: s.skipped, Last: s.lastErr}
	}
	return nil
}

// Skipped returns the count of malformed data lines that were dropped.
func (s *Stream) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Close aborts the stream and releases the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.body.Close()
}

func (s *Stream) run() {
	defer func() {
		if s.onDone != nil {
			s.onDone(s)
		}
	}()
	defer close(s.ch)
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	// Large chunks arrive as single lines; give the scanner room.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	seq := 0
	for scanner.Scan() {
		line := scanner.Text()

		// Blank lines are event separators; lines without the data
		// prefix are comments or keep-alives.
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		if data == doneMarker {
			// The terminal marker carries no payload, so it does not
			// count as a successfully decoded chunk.
			s.emit(domain.Chunk{Seq: seq, Done: true}, false)
			return
		}

		var event domain.ChunkEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// A single malformed event must not abort a healthy
			// stream; drop it and keep reading.
			s.mu.Lock()
			s.skipped++
			s.lastErr = fmt.Errorf("unmarshal event: %w", err)
			s.mu.Unlock()
			continue
		}

		for _, choice := range event.Choices {
			chunk := domain.Chunk{
				ID:      event.ID,
				Seq:     seq,
				Role:    choice.Delta.Role,
				Content: choice.Delta.Content,
				Model:   event.Model,
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				chunk.FinishReason = *choice.FinishReason
				chunk.Done = true
			}
			if !s.emit(chunk, true) {
				return
			}
			seq++
			if chunk.Done {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		if !s.closed {
			s.err = &domain.TransportError{Op: "stream read", Err: err}
		}
		s.mu.Unlock()
	}
}

// emit delivers a chunk. counted marks chunks decoded from real event
// payloads, tracking whether anything valid was produced. Returns false
// once the stream has been closed by the consumer.
func (s *Stream) emit(c domain.Chunk, counted bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if counted {
		s.yielded++
	}
	s.mu.Unlock()
	select {
	case s.ch <- c:
		return true
	case <-s.done:
		return false
	}
}
