// Package stream decodes the SSE-style frames emitted by the LLM layer into
// accumulated interviewer text.
package stream

import (
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// doneMarker terminates a stream. It must match the framing produced by
// llm.ConductInterview byte for byte.
const doneMarker = "[DONE]"

// deltaPayload covers both upstream shapes: a direct content field, or an
// OpenAI-style choices[0].delta.content.
type deltaPayload struct {
	Content string `json:"content"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder incrementally reassembles line-delimited JSON deltas from a byte
// stream. Partial lines are carried over between reads; individual malformed
// lines are logged and skipped without aborting the stream.
type Decoder struct {
	r   io.Reader
	log logrus.FieldLogger

	// OnDelta, when set, fires after every delta with the markdown-stripped
	// accumulation so far. Consumers replace their previous typing entry with
	// it rather than appending.
	OnDelta func(clean string)

	carry strings.Builder
	acc   strings.Builder
	done  bool
}

// NewDecoder wraps r. log may be nil.
func NewDecoder(r io.Reader, log logrus.FieldLogger) *Decoder {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Decoder{r: r, log: log}
}

// Run consumes the stream to completion (or until the done marker) and
// returns the final cleaned text.
func (d *Decoder) Run() (string, error) {
	buf := make([]byte, 4096)
	for !d.done {
		n, err := d.r.Read(buf)
		if n > 0 {
			d.feed(string(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Clean(d.acc.String()), err
		}
	}
	// Flush a trailing line that never saw its newline.
	if !d.done && d.carry.Len() > 0 {
		d.handleLine(d.carry.String())
		d.carry.Reset()
	}
	return Clean(d.acc.String()), nil
}

// Text returns the raw accumulated text so far.
func (d *Decoder) Text() string { return d.acc.String() }

func (d *Decoder) feed(chunk string) {
	for len(chunk) > 0 && !d.done {
		idx := strings.IndexByte(chunk, '\n')
		if idx < 0 {
			d.carry.WriteString(chunk)
			return
		}
		line := d.carry.String() + chunk[:idx]
		d.carry.Reset()
		chunk = chunk[idx+1:]
		d.handleLine(line)
	}
}

func (d *Decoder) handleLine(line string) {
	line = strings.TrimRight(line, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, ":") {
		return
	}
	if !strings.HasPrefix(trimmed, "data: ") {
		return
	}
	payload := strings.TrimPrefix(trimmed, "data: ")
	if payload == doneMarker {
		d.done = true
		return
	}
	var delta deltaPayload
	if err := json.Unmarshal([]byte(payload), &delta); err != nil {
		d.log.WithError(err).Debug("stream: skipping malformed delta line")
		return
	}
	text := delta.Content
	if text == "" && len(delta.Choices) > 0 {
		text = delta.Choices[0].Delta.Content
	}
	if text == "" {
		return
	}
	d.acc.WriteString(text)
	if d.OnDelta != nil {
		d.OnDelta(Clean(d.acc.String()))
	}
}

var (
	fenceRe   = regexp.MustCompile("(?s)```[a-zA-Z]*\n?|```")
	inlineRe  = regexp.MustCompile("`([^`]*)`")
	boldRe    = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
	italicRe  = regexp.MustCompile(`\*([^*]+)\*|_([^_]+)_`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	bulletRe  = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
)

// Clean strips residual markdown so the text is safe to hand to speech
// synthesis and transcript rendering.
func Clean(s string) string {
	s = fenceRe.ReplaceAllString(s, "")
	s = inlineRe.ReplaceAllString(s, "$1")
	s = boldRe.ReplaceAllString(s, "$1$2")
	s = italicRe.ReplaceAllString(s, "$1$2")
	s = headingRe.ReplaceAllString(s, "")
	s = bulletRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
