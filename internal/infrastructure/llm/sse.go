package llm

import (
	"bytes"
	"strings"
)

// maxIdenticalPayloads caps consecutive identical data payloads before
// the parser declares the upstream stuck.
const maxIdenticalPayloads = 100

// SSEEventKind discriminates parsed SSE events.
type SSEEventKind int

const (
	// SSEData is a data payload with the "data:" prefix stripped.
	SSEData SSEEventKind = iota
	// SSEDone is the "[DONE]" terminal sentinel.
	SSEDone
	// SSESkip is a comment line; consumers ignore it.
	SSESkip
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Kind SSEEventKind
	Data string
}

// SSEParser is a stateful SSE byte-stream parser. It accumulates
// partial lines across read boundaries and yields complete events, so
// callers can feed it whatever chunk sizes the transport produces.
// It also guards against upstreams stuck emitting the same payload.
type SSEParser struct {
	buf         []byte
	lastData    string
	repeatCount int
}

// NewSSEParser creates an empty parser.
func NewSSEParser() *SSEParser {
	return &SSEParser{}
}

// Feed consumes a chunk of bytes and returns all events completed by it.
// Partial trailing lines stay buffered until a later chunk or Flush
// finishes them.
func (p *SSEParser) Feed(chunk []byte) ([]SSEEvent, error) {
	p.buf = append(p.buf, chunk...)

	var events []SSEEvent
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(p.buf[:i]), "\r")
		p.buf = p.buf[i+1:]

		ev, err := p.parseLine(line)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}

// Flush parses any unterminated trailing line. Call once at end of
// stream; upstreams occasionally omit the final newline.
func (p *SSEParser) Flush() (*SSEEvent, error) {
	if len(p.buf) == 0 {
		return nil, nil
	}
	line := strings.TrimSpace(string(p.buf))
	p.buf = nil
	if line == "" {
		return nil, nil
	}
	return p.parseLine(line)
}

func (p *SSEParser) parseLine(line string) (*SSEEvent, error) {
	// Empty lines are event boundary markers.
	if line == "" {
		return nil, nil
	}

	if strings.HasPrefix(line, ":") {
		return &SSEEvent{Kind: SSESkip}, nil
	}

	// Only data lines carry payloads; event names are redundant with the
	// "type" field inside each payload.
	if strings.HasPrefix(line, "event:") {
		return nil, nil
	}

	if data, ok := strings.CutPrefix(line, "data:"); ok {
		data = strings.TrimPrefix(data, " ")
		if data == "[DONE]" {
			return &SSEEvent{Kind: SSEDone}, nil
		}
		if err := p.checkRepeat(data); err != nil {
			return nil, err
		}
		return &SSEEvent{Kind: SSEData, Data: data}, nil
	}

	// Some upstreams elide the data: prefix and send bare JSON lines.
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if err := p.checkRepeat(trimmed); err != nil {
			return nil, err
		}
		return &SSEEvent{Kind: SSEData, Data: trimmed}, nil
	}

	return nil, nil
}

func (p *SSEParser) checkRepeat(data string) error {
	if data == p.lastData {
		p.repeatCount++
		if p.repeatCount >= maxIdenticalPayloads {
			return &StreamError{Message: "infinite loop detected: too many identical consecutive chunks"}
		}
		return nil
	}
	p.lastData = data
	p.repeatCount = 1
	return nil
}
