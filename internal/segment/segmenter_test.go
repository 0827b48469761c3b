package segment_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/voicegate/internal/segment"
	"github.com/MrWong99/voicegate/pkg/provider/llm"
)

func run(cfg segment.Config, tokens []string) []segment.Utterance {
	var got []segment.Utterance
	s := segment.New(cfg, func(u segment.Utterance) { got = append(got, u) })
	for _, tok := range tokens {
		s.Consume(tok)
	}
	s.Complete()
	return got
}

func assertUtterances(t *testing.T, got, want []segment.Utterance) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Fatalf("utterances mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestSegmenter(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		want   []segment.Utterance
	}{
		{
			name:   "decimal point is not a boundary",
			tokens: []string{"0", ".", "271", " is", " the", " value", "."},
			want:   []segment.Utterance{{Text: "0.271 is the value.", IsFirst: true, IsLast: true}},
		},
		{
			name:   "decimal inside a single token",
			tokens: []string{"Pi is about ", "3.14", " today", "."},
			want:   []segment.Utterance{{Text: "Pi is about 3.14 today.", IsFirst: true, IsLast: true}},
		},
		{
			name:   "short sentence merges with the next",
			tokens: []string{"Yes", ".", " I can help", "."},
			want:   []segment.Utterance{{Text: "Yes. I can help.", IsFirst: true, IsLast: true}},
		},
		{
			name:   "two sentences",
			tokens: []string{"Hello there", ".", " How are you", "?"},
			want: []segment.Utterance{
				{Text: "Hello there.", IsFirst: true},
				{Text: "How are you?", IsLast: true},
			},
		},
		{
			name:   "full-width punctuation",
			tokens: []string{"你好", "，", "我是", "小智", "。", "今天", "天气", "很好", "！"},
			want: []segment.Utterance{
				{Text: "你好，我是小智。", IsFirst: true},
				{Text: "今天天气很好！", IsLast: true},
			},
		},
		{
			name:   "terminator inside a token",
			tokens: []string{"Sure thing! ", "Let me check", "."},
			want: []segment.Utterance{
				{Text: "Sure thing!", IsFirst: true},
				{Text: "Let me check.", IsLast: true},
			},
		},
		{
			name:   "unterminated tail becomes the last utterance",
			tokens: []string{"Hello there", ".", " and then some more"},
			want: []segment.Utterance{
				{Text: "Hello there.", IsFirst: true},
				{Text: "and then some more", IsLast: true},
			},
		},
		{
			name:   "short tail is dropped",
			tokens: []string{"Hello there", ".", " OK"},
			want:   []segment.Utterance{{Text: "Hello there.", IsFirst: true, IsLast: true}},
		},
		{
			name:   "one-rune tail is dropped",
			tokens: []string{"今天", "天气", "很好", "。", "嗯"},
			want:   []segment.Utterance{{Text: "今天天气很好。", IsFirst: true, IsLast: true}},
		},
		{
			name:   "full stop after a decimal inside one token",
			tokens: []string{"It costs 2.5.", " Then we go home", "."},
			want: []segment.Utterance{
				{Text: "It costs 2.5.", IsFirst: true},
				{Text: "Then we go home.", IsLast: true},
			},
		},
		{
			name:   "punctuation-only tail is dropped",
			tokens: []string{"Hello there", ".", " :)"},
			want:   []segment.Utterance{{Text: "Hello there.", IsFirst: true, IsLast: true}},
		},
		{
			name:   "short response without terminator",
			tokens: []string{"Hi"},
			want:   []segment.Utterance{{Text: "Hi", IsFirst: true, IsLast: true}},
		},
		{
			name:   "whitespace and empty tokens",
			tokens: []string{"", "Hello there", ".", " ", "", "\n"},
			want:   []segment.Utterance{{Text: "Hello there.", IsFirst: true, IsLast: true}},
		},
		{
			name:   "empty response",
			tokens: nil,
			want:   nil,
		},
		{
			name:   "punctuation-only response",
			tokens: []string{"...", "!"},
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertUtterances(t, run(segment.Config{}, tt.tokens), tt.want)
		})
	}
}

func TestSegmenter_ThresholdFlush(t *testing.T) {
	var got []segment.Utterance
	s := segment.New(segment.Config{}, func(u segment.Utterance) { got = append(got, u) })

	s.Consume("First sentence")
	s.Consume(".")
	for range 14 {
		s.Consume("a")
	}
	if len(got) != 0 {
		t.Fatalf("flushed after 14 tokens: %+v", got)
	}
	s.Consume("a")
	assertUtterances(t, got, []segment.Utterance{{Text: "First sentence.", IsFirst: true}})

	s.Complete()
	assertUtterances(t, got, []segment.Utterance{
		{Text: "First sentence.", IsFirst: true},
		{Text: strings.Repeat("a", 15), IsLast: true},
	})
}

func TestSegmenter_PauseFlush(t *testing.T) {
	cfg := segment.Config{PauseTokenThreshold: 3}
	var got []segment.Utterance
	s := segment.New(cfg, func(u segment.Utterance) { got = append(got, u) })

	for _, tok := range []string{"Done here", ".", " a", ","} {
		s.Consume(tok)
	}
	if len(got) != 0 {
		t.Fatalf("flushed before threshold: %+v", got)
	}
	s.Consume(" b,")
	assertUtterances(t, got, []segment.Utterance{{Text: "Done here.", IsFirst: true}})
}

func TestSegmenter_MinSentenceLengthConfigurable(t *testing.T) {
	got := run(segment.Config{MinSentenceLength: 2}, []string{"Hi", ".", " Bye", "."})
	assertUtterances(t, got, []segment.Utterance{
		{Text: "Hi.", IsFirst: true},
		{Text: "Bye.", IsLast: true},
	})
}

func TestSegmenter_Deterministic(t *testing.T) {
	tokens := []string{
		"The", " rate", " is", " 0", ".", "5", ",", " which", " is", " fine", ".",
		" 好的", "，", "明白", "了", "。", " Next", "?", " ok",
	}
	first := run(segment.Config{}, tokens)
	for range 10 {
		assertUtterances(t, run(segment.Config{}, tokens), first)
	}
}

func TestSegmenter_NoGapsOrDuplicates(t *testing.T) {
	tokens := []string{"One sentence", ".", " Another", " one", "!", " And", " a", " third", "?", " and the tail"}
	got := run(segment.Config{}, tokens)

	var joined []string
	for _, u := range got {
		joined = append(joined, u.Text)
	}
	if want := "One sentence. Another one! And a third? and the tail"; strings.Join(joined, " ") != want {
		t.Errorf("joined = %q, want %q", strings.Join(joined, " "), want)
	}

	firsts, lasts := 0, 0
	for _, u := range got {
		if u.IsFirst {
			firsts++
		}
		if u.IsLast {
			lasts++
		}
	}
	if firsts != 1 || !got[0].IsFirst {
		t.Errorf("IsFirst count = %d", firsts)
	}
	if lasts != 1 || !got[len(got)-1].IsLast {
		t.Errorf("IsLast count = %d", lasts)
	}
}

func TestSegmenter_Fail(t *testing.T) {
	var got []segment.Utterance
	s := segment.New(segment.Config{}, func(u segment.Utterance) { got = append(got, u) })
	s.Consume("Hello there")
	s.Consume(".")
	s.Consume(" More")
	s.Fail(errors.New("connection reset"))

	assertUtterances(t, got, []segment.Utterance{
		{Text: segment.DefaultFallbackText, IsFirst: true, IsLast: true},
	})

	// Closed: later events are ignored.
	s.Consume("late")
	s.Complete()
	s.Fail(errors.New("again"))
	if len(got) != 1 {
		t.Errorf("events after Fail produced output: %+v", got)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Fail")
	}
}

func TestSegmenter_CustomFallback(t *testing.T) {
	var got []segment.Utterance
	s := segment.New(segment.Config{FallbackText: "Sorry."}, func(u segment.Utterance) { got = append(got, u) })
	s.Fail(errors.New("boom"))
	assertUtterances(t, got, []segment.Utterance{{Text: "Sorry.", IsFirst: true, IsLast: true}})
}

func TestSegmenter_Response(t *testing.T) {
	s := segment.New(segment.Config{}, func(segment.Utterance) {})
	for _, tok := range []string{"Hello", " there", ".", " Bye for now"} {
		s.Consume(tok)
	}
	s.Complete()
	if got := s.Response(); got != "Hello there. Bye for now" {
		t.Errorf("Response() = %q", got)
	}
	if s.Emitted() != 2 {
		t.Errorf("Emitted() = %d, want 2", s.Emitted())
	}
}

func feed(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestDrain(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		var got []segment.Utterance
		s := segment.New(segment.Config{}, func(u segment.Utterance) { got = append(got, u) })
		err := segment.Drain(context.Background(), feed(
			llm.Chunk{Text: "Hello there"},
			llm.Chunk{Text: "."},
			llm.Chunk{FinishReason: "stop"},
		), s)
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		assertUtterances(t, got, []segment.Utterance{{Text: "Hello there.", IsFirst: true, IsLast: true}})
	})

	t.Run("error chunk", func(t *testing.T) {
		var got []segment.Utterance
		s := segment.New(segment.Config{}, func(u segment.Utterance) { got = append(got, u) })
		err := segment.Drain(context.Background(), feed(
			llm.Chunk{Text: "Hello there."},
			llm.Chunk{Text: "rate limited", FinishReason: llm.FinishReasonError},
		), s)
		if !errors.Is(err, segment.ErrUpstream) {
			t.Fatalf("err = %v, want ErrUpstream", err)
		}
		if !strings.Contains(err.Error(), "rate limited") {
			t.Errorf("err = %v, want upstream text", err)
		}
		assertUtterances(t, got, []segment.Utterance{{Text: segment.DefaultFallbackText, IsFirst: true, IsLast: true}})
	})

	t.Run("cancelled", func(t *testing.T) {
		var got []segment.Utterance
		s := segment.New(segment.Config{}, func(u segment.Utterance) { got = append(got, u) })
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := segment.Drain(ctx, make(chan llm.Chunk), s)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if len(got) != 1 || !got[0].IsLast {
			t.Errorf("got %+v, want fallback", got)
		}
	})
}
