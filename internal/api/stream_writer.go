package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// sseWriter emits one server-sent event per sampled token, then a final
// generation.completed or generation.failed event.
type sseWriter struct {
	w       io.Writer
	flusher func()
	seq     int
	err     error
}

func newSSEWriter(c *echo.Context) (*sseWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: res, flusher: flusher.Flush, seq: 1}, nil
}

// Token is an inference.StreamFunc. The first write error is kept and later
// events are dropped.
func (s *sseWriter) Token(id int, piece string) {
	s.send(tokenEvent{Type: "generation.token", ID: id, Piece: piece, SequenceNumber: s.seq})
}

func (s *sseWriter) Complete(resp GenerateResponse) error {
	s.send(doneEvent{Type: "generation.completed", Response: &resp, SequenceNumber: s.seq})
	return s.err
}

func (s *sseWriter) Failed(err error, partial *GenerateResponse) error {
	s.send(doneEvent{Type: "generation.failed", Response: partial, Error: errorBody(err), SequenceNumber: s.seq})
	return s.err
}

func (s *sseWriter) send(payload any) {
	if s.err != nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		s.err = err
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		s.err = err
		return
	}
	s.flusher()
	s.seq++
}
