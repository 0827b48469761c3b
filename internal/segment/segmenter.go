// Package segment splits the incremental text of a language-model response
// into utterances that speech synthesis can start on before the response is
// complete.
//
// A [Segmenter] is driven by three events: [Segmenter.Consume] for each
// token in arrival order, then exactly one of [Segmenter.Complete] or
// [Segmenter.Fail]. Utterances are pushed to a caller-supplied [Sink] on the
// goroutine that delivers the event. A Segmenter holds the state of a single
// response and is not safe for concurrent use.
//
// Sentence boundaries are detected on full stops, exclamation marks and
// question marks in both half-width and full-width form. A completed sentence
// is held back as pending until the next one completes, a pause mark arrives
// after enough tokens, or the response ends. This lets the final utterance
// carry the IsLast flag.
package segment

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrUpstream marks a failure of the token stream feeding a Segmenter.
var ErrUpstream = errors.New("segment: upstream stream failed")

// DefaultFallbackText is emitted when the upstream stream fails.
const DefaultFallbackText = "抱歉，我在处理您的请求时遇到了问题。"

const (
	// strongTerminators always end a sentence. The ASCII full stop also does,
	// unless it is a decimal point.
	strongTerminators = "。．！？!?"
	// pauseMarks are clause separators that may release a pending utterance.
	pauseMarks = "，、；,;"
)

// decimalPattern matches a decimal number such as "0.271".
var decimalPattern = regexp.MustCompile(`\d+\.\d+`)

// Utterance is one segment of a response.
type Utterance struct {
	// Text is trimmed of surrounding whitespace and never empty.
	Text string
	// IsFirst is set on the first utterance of the response only.
	IsFirst bool
	// IsLast is set on the final utterance of the response.
	IsLast bool
}

// Sink receives utterances in order.
type Sink func(Utterance)

// Config holds the segmentation heuristics. The zero value of any field
// selects its default.
type Config struct {
	// MinSentenceLength is the minimum trimmed length in runes before a
	// terminated sentence is flushed to pending. Default 5.
	MinSentenceLength int

	// PauseTokenThreshold is the number of tokens since the last terminator
	// after which a pending utterance is released. Default 15.
	PauseTokenThreshold int

	// ContextWindow is how many trailing runes are kept for the decimal
	// guard. Default 20.
	ContextWindow int

	// MinSubstantialRunes is how many non-punctuation, non-space runes a
	// trailing fragment needs to count as substantial. Default 2.
	MinSubstantialRunes int

	// FallbackText replaces the response when the stream fails.
	// Default [DefaultFallbackText].
	FallbackText string
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MinSentenceLength:   5,
		PauseTokenThreshold: 15,
		ContextWindow:       20,
		MinSubstantialRunes: 2,
		FallbackText:        DefaultFallbackText,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinSentenceLength <= 0 {
		c.MinSentenceLength = d.MinSentenceLength
	}
	if c.PauseTokenThreshold <= 0 {
		c.PauseTokenThreshold = d.PauseTokenThreshold
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = d.ContextWindow
	}
	if c.MinSubstantialRunes <= 0 {
		c.MinSubstantialRunes = d.MinSubstantialRunes
	}
	if c.FallbackText == "" {
		c.FallbackText = d.FallbackText
	}
	return c
}

// Segmenter turns a token stream into utterances. Create one per response
// with [New].
type Segmenter struct {
	cfg  Config
	sink Sink

	current strings.Builder
	context []rune
	full    strings.Builder

	pending        string
	sinceEnd       int
	lastWasEndMark bool
	emitted        int
	closed         bool
}

// New returns a Segmenter that pushes utterances to sink.
func New(cfg Config, sink Sink) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults(), sink: sink}
}

// Consume processes the next token. Empty and whitespace-only tokens are
// valid. Calls after Complete or Fail are ignored.
func (s *Segmenter) Consume(token string) {
	if s.closed {
		return
	}
	s.full.WriteString(token)
	s.appendContext(token)
	s.current.WriteString(token)

	isEnd := s.isTerminator(token)

	if isEnd || (s.lastWasEndMark && strings.TrimSpace(token) == "") {
		s.sinceEnd = 0
		s.lastWasEndMark = isEnd

		sentence := strings.TrimSpace(s.current.String())
		if utf8.RuneCountInString(sentence) >= s.cfg.MinSentenceLength {
			if s.pending != "" {
				s.emit(s.pending, false)
			}
			s.pending = sentence
			s.current.Reset()
		}
		return
	}

	s.lastWasEndMark = false
	s.sinceEnd++

	if s.pending != "" && s.sinceEnd >= s.cfg.PauseTokenThreshold && strings.ContainsAny(token, pauseMarks) {
		s.emit(s.pending, false)
		s.pending = ""
	}
	// Bounds how long a finished sentence waits for the next one.
	if s.pending != "" && s.sinceEnd >= s.cfg.PauseTokenThreshold {
		s.emit(s.pending, false)
		s.pending = ""
	}
}

// Complete ends the response. The pending utterance is emitted, followed by
// the remaining text when it is substantial. A non-substantial remainder is
// dropped and the pending utterance carries IsLast; it is emitted only when
// nothing else was, so a response with content yields at least one
// utterance.
func (s *Segmenter) Complete() {
	if s.closed {
		return
	}
	s.closed = true

	rest := strings.TrimSpace(s.current.String())
	s.current.Reset()
	keep := s.substantial(rest)

	if s.pending != "" {
		s.emit(s.pending, !keep)
		s.pending = ""
	}
	switch {
	case keep:
		s.emit(rest, true)
	case s.emitted == 0 && contentRunes(rest) > 0:
		s.emit(rest, true)
	case rest != "":
		slog.Debug("segment: dropping short trailing fragment", "text", rest)
	}
}

// Fail ends the response after an upstream error. Anything not yet emitted
// is discarded and a single fallback utterance with both IsFirst and IsLast
// set is emitted instead.
func (s *Segmenter) Fail(err error) {
	if s.closed {
		return
	}
	s.closed = true
	slog.Error("segment: token stream failed", "err", err, "emitted", s.emitted)

	s.pending = ""
	s.current.Reset()
	s.emitted++
	s.sink(Utterance{Text: s.cfg.FallbackText, IsFirst: true, IsLast: true})
}

// Emitted returns the number of utterances emitted so far.
func (s *Segmenter) Emitted() int { return s.emitted }

// Response returns the concatenation of every consumed token.
func (s *Segmenter) Response() string { return s.full.String() }

// Closed reports whether Complete or Fail has been called.
func (s *Segmenter) Closed() bool { return s.closed }

func (s *Segmenter) emit(text string, last bool) {
	u := Utterance{Text: text, IsFirst: s.emitted == 0, IsLast: last}
	s.emitted++
	s.sink(u)
}

func (s *Segmenter) appendContext(token string) {
	s.context = append(s.context, []rune(token)...)
	if over := len(s.context) - s.cfg.ContextWindow; over > 0 {
		s.context = append(s.context[:0], s.context[over:]...)
	}
}

// isTerminator classifies token. A token that is exactly the ASCII full stop
// is not a terminator when the trailing context ends in a decimal number.
// Inside longer tokens a full stop between two digits is a decimal point.
func (s *Segmenter) isTerminator(token string) bool {
	if strings.ContainsAny(token, strongTerminators) {
		return true
	}
	if !strings.Contains(token, ".") {
		return false
	}
	if token != "." {
		return hasBareStop(token)
	}
	ctx := string(s.context)
	loc := decimalPattern.FindStringIndex(ctx)
	if loc == nil {
		return true
	}
	end := utf8.RuneCountInString(ctx[:loc[1]])
	return end < len(s.context)-3
}

// hasBareStop reports whether token holds a full stop that is not flanked by
// digits on both sides.
func hasBareStop(token string) bool {
	rs := []rune(token)
	for i, r := range rs {
		if r != '.' {
			continue
		}
		if i > 0 && i < len(rs)-1 && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1]) {
			continue
		}
		return true
	}
	return false
}

// substantial reports whether text is long enough and has enough
// non-punctuation content to stand as an utterance of its own.
func (s *Segmenter) substantial(text string) bool {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < s.cfg.MinSentenceLength {
		return false
	}
	return contentRunes(text) >= s.cfg.MinSubstantialRunes
}

// contentRunes counts runes that are neither punctuation nor whitespace.
func contentRunes(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
