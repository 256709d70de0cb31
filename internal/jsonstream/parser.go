package jsonstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// DefaultLookaheadLimit bounds the text buffered while no object is open.
	DefaultLookaheadLimit = 1024

	previewLength = 100
)

// Option configures a Parser.
type Option func(*Parser)

// WithLookaheadLimit overrides DefaultLookaheadLimit.
func WithLookaheadLimit(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.limit = n
		}
	}
}

// Parser turns a FragmentStream carrying a sequence of JSON objects into
// start/streaming/end/error events. It pulls a fragment only when every event
// derived from the previous ones has been consumed.
//
// Object boundaries are found by brace depth. Braces inside string literals
// do not count. Fragments are echoed as streaming events once an object is
// open; text is never delivered twice even when it was read ahead of the
// object it belongs to.
type Parser struct {
	src   FragmentStream
	limit int

	buf      []byte
	sent     int
	inObject bool
	scan     scanner

	pending []Event
	done    bool
	closed  bool
}

// NewParser wraps src. The parser owns src and closes it on Close.
func NewParser(src FragmentStream, opts ...Option) *Parser {
	p := &Parser{src: src, limit: DefaultLookaheadLimit}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next returns the next event, or io.EOF once the stream is exhausted. A
// failure reading the fragment stream is returned as is and ends the parse.
func (p *Parser) Next() (Event, error) {
	for len(p.pending) == 0 {
		if p.done {
			return Event{}, io.EOF
		}
		fragment, err := p.src.Recv()
		if errors.Is(err, io.EOF) {
			p.finish()
			p.done = true
			continue
		}
		if err != nil {
			p.done = true
			return Event{}, err
		}
		p.feed(fragment)
	}
	ev := p.pending[0]
	p.pending = p.pending[1:]
	return ev, nil
}

// Close releases the fragment stream.
func (p *Parser) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.done = true
	return p.src.Close()
}

func (p *Parser) feed(fragment string) {
	if fragment == "" {
		return
	}
	p.buf = append(p.buf, fragment...)
	if p.inObject {
		p.flush()
	}
	p.drain()
}

// drain opens and closes as many objects as the buffer allows.
func (p *Parser) drain() {
	for {
		if !p.inObject {
			i := bytes.IndexByte(p.buf, '{')
			if i < 0 {
				if len(p.buf) > p.limit {
					p.buf = p.buf[:0]
					p.sent = 0
				}
				return
			}
			p.consume(i)
			p.inObject = true
			p.scan = scanner{}
			p.pending = append(p.pending, Start())
			p.flush()
		}

		end := p.scan.advance(p.buf)
		if end < 0 {
			return
		}
		p.pending = append(p.pending, decode(p.buf[:end+1]))
		p.consume(end + 1)
		p.inObject = false
	}
}

// flush emits the buffered text not yet delivered.
func (p *Parser) flush() {
	if p.sent < len(p.buf) {
		p.pending = append(p.pending, Streaming(string(p.buf[p.sent:])))
	}
	p.sent = len(p.buf)
}

// consume drops the first n buffered bytes.
func (p *Parser) consume(n int) {
	p.buf = p.buf[n:]
	p.sent = max(p.sent-n, 0)
}

func (p *Parser) finish() {
	if p.inObject {
		p.resync()
		p.inObject = false
	}
	p.buf = nil
	p.sent = 0
}

// resync splits the leftover of an object that never closed by plain brace
// depth, ignoring string state. A stray quote in one object would otherwise
// swallow every object after it. The leftover text was already streamed, so
// only start and terminal events are added.
func (p *Parser) resync() {
	for first := true; ; first = false {
		if !first {
			p.pending = append(p.pending, Start())
		}
		end := plainClose(p.buf)
		if end < 0 {
			p.pending = append(p.pending, Failure(ErrorGeneration,
				fmt.Sprintf("unterminated JSON object at end of stream: %s", preview(p.buf))))
			return
		}
		p.pending = append(p.pending, decode(p.buf[:end+1]))
		p.consume(end + 1)
		i := bytes.IndexByte(p.buf, '{')
		if i < 0 {
			return
		}
		p.consume(i)
	}
}

// plainClose returns the index of the brace closing the object at buf[0],
// counting every brace, or -1.
func plainClose(buf []byte) int {
	depth := 0
	for i, c := range buf {
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decode(candidate []byte) Event {
	var data map[string]any
	if err := json.Unmarshal(candidate, &data); err != nil {
		return Failure(ErrorGeneration, fmt.Sprintf("JSON decode error: %v: %s", err, preview(candidate)))
	}
	if data == nil {
		data = map[string]any{}
	}
	return End(data)
}

func preview(b []byte) string {
	s := string(b)
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	return string([]rune(s)[:previewLength]) + "..."
}

// scanner tracks brace depth across calls so a growing buffer is scanned once.
type scanner struct {
	pos      int
	depth    int
	inString bool
	escaped  bool
}

// advance continues scanning buf and returns the index of the brace closing
// the outermost object, or -1 if it has not arrived yet. buf[0] must be '{'.
func (s *scanner) advance(buf []byte) int {
	for ; s.pos < len(buf); s.pos++ {
		c := buf[s.pos]
		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}
		switch c {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				end := s.pos
				s.pos++
				return end
			}
		}
	}
	return -1
}
