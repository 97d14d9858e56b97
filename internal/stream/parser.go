package stream

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// bracketCallPattern matches the post-hoc "[Called <name> with args: {...}]"
// syntax some responses embed directly in the text stream instead of (or in
// addition to) emitting a proper tool-use frame.
var bracketCallPattern = regexp.MustCompile(`\[Called (\w+) with args: (\{.*?\})\]`)

const (
	tagThinkingOpen  = "<thinking>"
	tagThinkingClose = "</thinking>"
	tagFence         = "```"
	tagBracketLead   = "[Called"
)

// toolCallState tracks one in-flight tool call across continuation frames.
type toolCallState struct {
	index   int
	id      string
	name    string
	started bool
}

// Parser consumes framed upstream objects and produces an ordered Event
// stream following the thinking/text/tool_use block discipline.
type Parser struct {
	framer *Framer

	nextIndex int

	// content block state
	openKind     string // "" | "thinking" | "text"
	openIndex    int
	inFence      bool
	pending      string // buffered text not yet safe to flush
	fullText     strings.Builder
	trimNextText bool // skip leading whitespace of the next text delta (post-</thinking>)

	// tool-call state
	toolCalls    map[string]*toolCallState
	lastToolID   string // for unnamed {"input":...} continuations

	contextUsagePercentage float64
	sawContextUsage        bool

	stopReason string
	closed     bool
}

// NewParser returns a Parser ready to consume Feed calls.
func NewParser() *Parser {
	return &Parser{
		framer:    NewFramer(),
		toolCalls: make(map[string]*toolCallState),
	}
}

// Feed pushes a raw chunk of upstream bytes and returns the events it makes
// available. Call Close once the upstream body is exhausted to flush any
// held-back buffer and emit the terminal frames.
func (p *Parser) Feed(chunk []byte) []Event {
	var events []Event
	for _, raw := range p.framer.Push(chunk) {
		f, err := decodeFrame(raw)
		if err != nil {
			continue
		}
		events = append(events, p.applyFrame(f)...)
	}
	return events
}

func (p *Parser) applyFrame(f frame) []Event {
	switch {
	case f.Content != nil:
		return p.appendContent(*f.Content)

	case f.Name != nil && f.ToolUseID != nil:
		var events []Event
		events = append(events, p.closeOpenBlock()...)
		tc := &toolCallState{index: p.allocIndex(), id: *f.ToolUseID, name: *f.Name}
		p.toolCalls[tc.id] = tc
		p.lastToolID = tc.id
		events = append(events, ToolCallStart{Index: tc.index, ID: tc.id, Name: tc.name})
		tc.started = true
		if f.Input != nil {
			events = append(events, ToolCallDelta{Index: tc.index, ID: tc.id, Input: *f.Input})
		}
		if f.Stop != nil && *f.Stop {
			events = append(events, ToolCallStop{Index: tc.index, ID: tc.id})
		}
		return events

	case f.Input != nil && f.Name == nil:
		tc := p.toolCalls[p.lastToolID]
		if tc == nil {
			return nil
		}
		var events []Event
		events = append(events, ToolCallDelta{Index: tc.index, ID: tc.id, Input: *f.Input})
		if f.Stop != nil && *f.Stop {
			events = append(events, ToolCallStop{Index: tc.index, ID: tc.id})
		}
		return events

	case f.Stop != nil && *f.Stop && f.Name == nil && f.Input == nil:
		tc := p.toolCalls[p.lastToolID]
		if tc == nil {
			return nil
		}
		return []Event{ToolCallStop{Index: tc.index, ID: tc.id}}

	case f.ContextUsagePercentage != nil:
		p.contextUsagePercentage = *f.ContextUsagePercentage
		p.sawContextUsage = true
		return nil
	}
	return nil
}

func (p *Parser) allocIndex() int {
	idx := p.nextIndex
	p.nextIndex++
	return idx
}

// appendContent feeds newly arrived content text through the tag-aware
// flush logic, opening/closing thinking and text blocks as markers are
// crossed, and extracting bracket-syntax tool calls post-hoc.
func (p *Parser) appendContent(chunk string) []Event {
	p.pending += chunk
	flushable, remainder := splitFlushable(p.pending, p.inFence)
	p.pending = remainder
	if flushable == "" {
		return nil
	}
	return p.consumeFlushable(flushable)
}

// consumeFlushable walks flushable left to right, toggling fence/thinking
// state on markers and emitting block start/delta/stop events as it goes.
func (p *Parser) consumeFlushable(s string) []Event {
	var events []Event
	for len(s) > 0 {
		marker, idx := nextMarker(s, p.inFence)
		if idx < 0 {
			events = append(events, p.emitText(s)...)
			break
		}

		if idx > 0 {
			events = append(events, p.emitText(s[:idx])...)
		}

		switch marker {
		case tagFence:
			p.inFence = !p.inFence
			s = s[idx+len(tagFence):]
		case tagThinkingOpen:
			if !p.inFence {
				events = append(events, p.switchBlock("thinking")...)
			}
			s = s[idx+len(tagThinkingOpen):]
		case tagThinkingClose:
			if !p.inFence {
				events = append(events, p.switchBlock("text")...)
			}
			s = s[idx+len(tagThinkingClose):]
		}
	}
	return events
}

// emitText appends text to the full-text accumulator (for bracket-syntax
// extraction and final token counting), strips any complete bracket-call
// matches, and emits a delta for whichever block is currently open.
func (p *Parser) emitText(text string) []Event {
	if p.trimNextText {
		trimmed := strings.TrimLeft(text, " \t\r\n")
		if trimmed == "" {
			// still only whitespace; keep waiting for the first non-space byte
			return nil
		}
		text = trimmed
		p.trimNextText = false
	}
	if text == "" {
		return nil
	}
	p.fullText.WriteString(text)

	var events []Event
	scrubbed, calls := extractBracketCalls(text)

	events = append(events, p.ensureBlockOpen()...)
	if scrubbed != "" {
		if p.openKind == "thinking" {
			events = append(events, ThinkingDelta{Index: p.openIndex, Text: scrubbed})
		} else {
			events = append(events, TextDelta{Index: p.openIndex, Text: scrubbed})
		}
	}
	if len(calls) > 0 {
		events = append(events, p.closeOpenBlock()...)
	}
	for _, c := range calls {
		idx := p.allocIndex()
		events = append(events, ToolCallStart{Index: idx, ID: c.id, Name: c.name})
		events = append(events, ToolCallDelta{Index: idx, ID: c.id, Input: c.input})
		events = append(events, ToolCallStop{Index: idx, ID: c.id})
	}
	return events
}

func (p *Parser) ensureBlockOpen() []Event {
	if p.openKind != "" {
		return nil
	}
	p.openKind = "text"
	p.openIndex = p.allocIndex()
	return []Event{BlockStart{Index: p.openIndex, Kind: p.openKind}}
}

// switchBlock closes the currently open block (if any) and opens a new one
// of the given kind.
func (p *Parser) switchBlock(kind string) []Event {
	var events []Event
	events = append(events, p.closeOpenBlock()...)
	p.openKind = kind
	p.openIndex = p.allocIndex()
	events = append(events, BlockStart{Index: p.openIndex, Kind: kind})
	if kind == "text" {
		// </thinking> is conventionally followed by a blank line before the
		// answer proper; trim it the way ExtractThinkingFromContent does.
		p.trimNextText = true
	}
	return events
}

// closeOpenBlock emits a BlockStop for the currently open content block, if
// any. Callers must close any open block before starting a tool-use block or
// switching to a different content kind, so at most one block is ever open.
func (p *Parser) closeOpenBlock() []Event {
	if p.openKind == "" {
		return nil
	}
	ev := []Event{BlockStop{Index: p.openIndex}}
	p.openKind = ""
	return ev
}

// Close flushes any held-back buffer and emits the terminal frames. It must
// be called exactly once, after the upstream body is exhausted.
func (p *Parser) Close(hadToolUse bool) []Event {
	if p.closed {
		return nil
	}
	p.closed = true

	var events []Event
	if p.pending != "" {
		events = append(events, p.consumeFlushable(p.pending)...)
		p.pending = ""
	}
	if p.openKind != "" {
		events = append(events, BlockStop{Index: p.openIndex})
		p.openKind = ""
	}

	stopReason := "end_turn"
	if hadToolUse || len(p.toolCalls) > 0 {
		stopReason = "tool_use"
	}

	outputTokens := int(math.Ceil(float64(p.fullText.Len()) / 4))
	inputTokens := 0
	if p.sawContextUsage {
		inputTokens = int(math.Round(200000*p.contextUsagePercentage/100)) - outputTokens
		if inputTokens < 0 {
			inputTokens = 0
		}
	}

	events = append(events, MessageDelta{
		StopReason:   stopReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	events = append(events, MessageStop{})
	return events
}

// FullText returns all text/thinking content received so far, as it arrived:
// bracket-syntax tool calls are not scrubbed out of it.
func (p *Parser) FullText() string {
	return p.fullText.String()
}

type bracketCall struct {
	id    string
	name  string
	input string
}

// extractBracketCalls removes every complete "[Called name with args: {...}]"
// occurrence from text and returns the cleaned text plus the calls found.
// A trailing, apparently-unterminated "[Called" is left in place for the
// caller to re-merge with subsequently arriving content.
func extractBracketCalls(text string) (string, []bracketCall) {
	if !strings.Contains(text, tagBracketLead) {
		return text, nil
	}

	var calls []bracketCall
	matches := bracketCallPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	last := 0
	for i, m := range matches {
		b.WriteString(text[last:m[0]])
		name := text[m[2]:m[3]]
		input := text[m[4]:m[5]]
		calls = append(calls, bracketCall{
			id:    syntheticToolID(name, i),
			name:  name,
			input: input,
		})
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String(), calls
}

func syntheticToolID(name string, ordinal int) string {
	return "bracket_" + name + "_" + strconv.Itoa(ordinal)
}

// markers are checked in this order at every position; longer/more-specific
// markers first so "```" doesn't shadow a longer match starting the same
// byte.
var markerList = []string{tagThinkingOpen, tagThinkingClose, tagFence}

// nextMarker finds the earliest complete marker occurrence in s. While
// inFence is true, only the fence marker itself is recognized — thinking
// tags inside a fenced code block are literal text.
func nextMarker(s string, inFence bool) (marker string, idx int) {
	best := -1
	var bestMarker string
	candidates := markerList
	if inFence {
		candidates = []string{tagFence}
	}
	for _, m := range candidates {
		if i := strings.Index(s, m); i >= 0 && (best < 0 || i < best) {
			best = i
			bestMarker = m
		}
	}
	return bestMarker, best
}

// splitFlushable splits buf into a prefix that is safe to process now and a
// remainder that must be held back because it could still be the start of
// a marker (or an unterminated bracket-call) once more bytes arrive.
func splitFlushable(buf string, inFence bool) (flushable, remainder string) {
	// An unterminated "[Called" anywhere in the buffer blocks flushing past
	// it, since the bracket pattern can span many content frames.
	if i := strings.LastIndex(buf, tagBracketLead); i >= 0 {
		if !bracketCallPattern.MatchString(buf[i:]) {
			flushable, remainder = buf[:i], buf[i:]
			buf = flushable
		}
	}

	tail := ambiguousTailLength(buf, inFence)
	return buf[:len(buf)-tail], buf[len(buf)-tail:] + remainder
}

// ambiguousTailLength returns how many trailing bytes of buf could still be
// extended into a recognized marker by bytes not yet received.
func ambiguousTailLength(buf string, inFence bool) int {
	candidates := markerList
	if inFence {
		candidates = []string{tagFence}
	}
	maxLen := 0
	for n := 1; n <= len(buf); n++ {
		tail := buf[len(buf)-n:]
		for _, m := range candidates {
			limit := n
			if limit > len(m) {
				limit = len(m)
			}
			if tail[:limit] == m[:limit] && limit < len(m) {
				if n > maxLen {
					maxLen = n
				}
			}
		}
	}
	return maxLen
}
