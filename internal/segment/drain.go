package segment

import (
	"context"
	"fmt"

	"github.com/MrWong99/voicegate/pkg/provider/llm"
)

// Drain feeds a streaming completion into s until the stream ends. It
// returns nil when the channel closes normally and s has been completed.
//
// A chunk with FinishReason "error" or cancellation of ctx fails s and
// returns an error wrapping [ErrUpstream] or ctx.Err respectively. In every
// case s is closed when Drain returns.
func Drain(ctx context.Context, chunks <-chan llm.Chunk, s *Segmenter) error {
	for {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			s.Fail(err)
			return err
		case c, ok := <-chunks:
			if !ok {
				s.Complete()
				return nil
			}
			if c.FinishReason == llm.FinishReasonError {
				err := fmt.Errorf("%w: %s", ErrUpstream, c.Text)
				s.Fail(err)
				return err
			}
			if c.Text != "" {
				s.Consume(c.Text)
			}
		}
	}
}
