package stream

import "testing"

func TestFramer_SingleFrame(t *testing.T) {
	f := NewFramer()
	frames := f.Push([]byte(`{"content":"hello"}`))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if string(frames[0]) != `{"content":"hello"}` {
		t.Errorf("unexpected frame: %s", frames[0])
	}
}

func TestFramer_MultipleConcatenatedFrames(t *testing.T) {
	f := NewFramer()
	frames := f.Push([]byte(`{"content":"a"}{"content":"b"}{"stop":true}`))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %v", len(frames), frames)
	}
}

func TestFramer_SplitAcrossPushes(t *testing.T) {
	f := NewFramer()
	frames := f.Push([]byte(`{"cont`))
	if len(frames) != 0 {
		t.Fatalf("expected no frames yet, got %d", len(frames))
	}
	frames = f.Push([]byte(`ent":"hel`))
	if len(frames) != 0 {
		t.Fatalf("expected still no frames, got %d", len(frames))
	}
	frames = f.Push([]byte(`lo"}`))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after completion, got %d", len(frames))
	}
}

func TestFramer_BraceInsideString(t *testing.T) {
	f := NewFramer()
	frames := f.Push([]byte(`{"content":"a { b } c"}`))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
}

func TestFramer_EscapedQuoteDoesNotEndString(t *testing.T) {
	f := NewFramer()
	frames := f.Push([]byte(`{"content":"a \" b"}{"content":"c"}`))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %v", len(frames), frames)
	}
}

func TestFramer_NameAndInputFrame(t *testing.T) {
	f := NewFramer()
	frames := f.Push([]byte(`{"name":"search","toolUseId":"t1","input":"{}"}`))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
}
