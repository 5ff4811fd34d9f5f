// Package outbound implements reply delivery back through channel plugins:
// text chunking against per-channel limits, per-destination send ordering,
// idempotent delivery keyed by (run, block), and bounded retry on transient
// send failures.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/gwerrors"
)

// ChannelCaps is what the deliverer needs to know about a channel's
// transport: how much text fits in one message, whether the channel wants
// replies streamed as ordered blocks, and the media size cap.
type ChannelCaps struct {
	TextLimit      int
	BlockStreaming bool
	MediaMaxBytes  int64
}

// SendFunc performs one raw channel send. The deliverer owns chunking,
// ordering, and retries; SendFunc owns nothing but the wire call.
type SendFunc func(ctx context.Context, msg bus.OutboundMessage) error

// Receipt reports what a Deliver call actually did.
type Receipt struct {
	Blocks       int  // messages sent on the wire
	Deduplicated bool // true when the whole delivery was a replay
}

// Options configures a Deliverer.
type Options struct {
	Caps       func(channel string) ChannelCaps
	Send       SendFunc
	RetryMax   int           // send attempts per block, default 3
	RetryDelay time.Duration // base backoff, default 500ms
}

// Deliverer serializes sends per destination and deduplicates replays by
// delivery key.
type Deliverer struct {
	opts Options

	seen *lru.Cache[string, struct{}]

	mu    sync.Mutex
	dests map[string]*sync.Mutex
}

// New creates a Deliverer.
func New(opts Options) (*Deliverer, error) {
	if opts.Send == nil {
		return nil, fmt.Errorf("outbound: Send is required")
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	seen, err := lru.New[string, struct{}](4096)
	if err != nil {
		return nil, err
	}
	return &Deliverer{opts: opts, seen: seen, dests: make(map[string]*sync.Mutex)}, nil
}

// Deliver sends msg's content to its destination, splitting into blocks when
// the channel's text limit requires it. deliveryKey identifies this logical
// delivery (normally the run id); retrying Deliver with the same key sends
// nothing the user hasn't already seen.
func (d *Deliverer) Deliver(ctx context.Context, msg bus.OutboundMessage, deliveryKey string) (Receipt, error) {
	destMu := d.destLock(msg.Channel + "|" + msg.ChatID)
	destMu.Lock()
	defer destMu.Unlock()

	caps := ChannelCaps{}
	if d.opts.Caps != nil {
		caps = d.opts.Caps(msg.Channel)
	}

	blocks := []string{msg.Content}
	if caps.TextLimit > 0 {
		blocks = SplitBlocks(msg.Content, caps.TextLimit)
	}
	if len(blocks) == 0 && len(msg.Media) == 0 {
		return Receipt{}, nil
	}

	sent := 0
	allDup := true
	for i, block := range blocks {
		key := blockKey(deliveryKey, i)
		if deliveryKey != "" {
			if _, dup := d.seen.Get(key); dup {
				continue
			}
		}
		allDup = false

		out := bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  block,
			Metadata: msg.Metadata,
		}
		// Media rides on the final block so captions land next to the text
		// that references them.
		if i == len(blocks)-1 {
			out.Media = msg.Media
		}
		if caps.BlockStreaming && len(blocks) > 1 {
			out.Metadata = withMeta(out.Metadata, "block_index", fmt.Sprintf("%d", i))
			out.Metadata = withMeta(out.Metadata, "block_final", boolStr(i == len(blocks)-1))
		}

		if err := d.sendWithRetry(ctx, out); err != nil {
			return Receipt{Blocks: sent}, err
		}
		if deliveryKey != "" {
			d.seen.Add(key, struct{}{})
		}
		sent++
	}

	if len(blocks) == 0 && len(msg.Media) > 0 {
		key := blockKey(deliveryKey, 0)
		if deliveryKey == "" || !d.seenHas(key) {
			if err := d.sendWithRetry(ctx, msg); err != nil {
				return Receipt{}, err
			}
			if deliveryKey != "" {
				d.seen.Add(key, struct{}{})
			}
			sent++
			allDup = false
		}
	}

	return Receipt{Blocks: sent, Deduplicated: sent == 0 && allDup}, nil
}

func (d *Deliverer) seenHas(key string) bool {
	_, ok := d.seen.Get(key)
	return ok
}

// sendWithRetry attempts one block send with exponential backoff on
// failures that look transient. Rate-limit errors wait the hinted interval
// when the channel surfaced one.
func (d *Deliverer) sendWithRetry(ctx context.Context, msg bus.OutboundMessage) error {
	var lastErr error
	delay := d.opts.RetryDelay
	for attempt := 1; attempt <= d.opts.RetryMax; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.opts.Send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if ge, ok := gwerrors.As(err); ok {
			switch ge.Kind {
			case gwerrors.KindChannelLinked, gwerrors.KindValidation, gwerrors.KindForbidden:
				return err // retrying won't relink a channel
			case gwerrors.KindRateLimited:
				if ge.RetryAfter > 0 {
					delay = time.Duration(ge.RetryAfter) * time.Millisecond
				}
			}
		}

		if attempt < d.opts.RetryMax {
			slog.Warn("outbound send failed, retrying",
				"channel", msg.Channel, "chat", msg.ChatID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("outbound: send to %s/%s failed after %d attempts: %w",
		msg.Channel, msg.ChatID, d.opts.RetryMax, lastErr)
}

func (d *Deliverer) destLock(dest string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.dests[dest]
	if !ok {
		m = &sync.Mutex{}
		d.dests[dest] = m
	}
	return m
}

func blockKey(deliveryKey string, block int) string {
	return deliveryKey + ":" + fmt.Sprintf("%d", block)
}

func withMeta(m map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// DescribeMediaFallback renders a textual stand-in for attachments that
// couldn't be sent natively (size cap, unsupported type, send failure).
func DescribeMediaFallback(media []bus.MediaAttachment) string {
	if len(media) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[attachments unavailable on this channel:")
	for i, m := range media {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " %s", m.ContentType)
		if m.Caption != "" {
			fmt.Fprintf(&b, " (%s)", m.Caption)
		}
	}
	b.WriteString("]")
	return b.String()
}
