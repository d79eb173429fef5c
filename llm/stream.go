package llm

import (
	"context"
	"strings"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/tokenizer"
)

// finishCanceled marks a stream the consumer aborted before the upstream
// finished.
const finishCanceled = "canceled"

// relayStream forwards upstream chunks to the consumer and guarantees the
// consumer sees exactly one completion event, even when the context is
// canceled mid-stream. The returned channel is buffered so the final event
// can always be delivered. onFinal runs once, with the usage of the final
// event, after it has been queued.
func relayStream(ctx context.Context, upstream <-chan StreamChunk, model string, onFinal func(ChatUsage, string)) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)

		var (
			text      strings.Builder
			usage     *ChatUsage
			finalSent bool
		)

		// sendFinal queues the completion event without blocking forever:
		// when the buffer is full because the consumer stopped reading,
		// context cancellation lets the relay exit and the event is
		// dropped with it.
		sendFinal := func(chunk StreamChunk) {
			select {
			case out <- chunk:
			default:
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
			}
		}

		finish := func(reason string) {
			if finalSent {
				return
			}
			finalSent = true
			u := partialUsage(usage, model, text.String())
			sendFinal(StreamChunk{Model: model, FinishReason: reason, Usage: &u})
			if onFinal != nil {
				onFinal(u, reason)
			}
		}

		for {
			select {
			case <-ctx.Done():
				finish(finishCanceled)
				return
			case chunk, ok := <-upstream:
				if !ok {
					finish("stop")
					return
				}
				if chunk.Delta != "" {
					text.WriteString(chunk.Delta)
				}
				if chunk.Usage != nil {
					usage = chunk.Usage
				}
				if chunk.FinishReason != "" {
					if finalSent {
						continue
					}
					finalSent = true
					if chunk.Usage == nil {
						u := partialUsage(usage, model, text.String())
						chunk.Usage = &u
					}
					sendFinal(chunk)
					if onFinal != nil {
						onFinal(*chunk.Usage, chunk.FinishReason)
					}
					continue
				}
				select {
				case <-ctx.Done():
					finish(finishCanceled)
					return
				case out <- chunk:
				}
			}
		}
	}()

	return out
}

// partialUsage returns the best usage figure available: the provider's
// reported usage when present, otherwise an estimate over the text
// accumulated so far.
func partialUsage(reported *ChatUsage, model, accumulated string) ChatUsage {
	if reported != nil {
		return *reported
	}
	tok := tokenizer.GetTokenizerOrEstimator(model)
	completion := 0
	if accumulated != "" {
		if n, err := tok.CountTokens(accumulated); err == nil {
			completion = n
		}
	}
	return ChatUsage{
		CompletionTokens: completion,
		TotalTokens:      completion,
	}
}
