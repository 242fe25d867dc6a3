package domain

// ChunkEvent is the decoded JSON of one SSE data line, following the
// OpenAI-compatible chunk shape the chat endpoint emits.
type ChunkEvent struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is one streamed choice inside a ChunkEvent.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message fragment of a streamed choice.
type Delta struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one decoded streaming event handed to callers: the content
// fragment plus enough identity to correlate and order it.
type Chunk struct {
	ID           string
	Seq          int
	Role         string
	Content      string
	FinishReason string
	Model        string

	// Done marks the terminal chunk of the sequence. A Done chunk may
	// carry no content at all (bare [DONE] marker).
	Done bool
}
