package agent

import (
	"strings"
	"time"

	"github.com/halogate/halogate/pkg/protocol"
)

// deltaFlushInterval is the minimum spacing between text_delta events per
// run; deltas arriving faster are coalesced into one event.
const deltaFlushInterval = 150 * time.Millisecond

// deltaCoalescer rate-limits text_delta events. Stream chunks arrive on a
// single goroutine per run, so no locking is needed; every other event type
// first flushes whatever text is pending so ordering is preserved.
type deltaCoalescer struct {
	emit      func(typ string, data map[string]interface{})
	pending   strings.Builder
	lastFlush time.Time
	now       func() time.Time
}

func newDeltaCoalescer(emit func(string, map[string]interface{})) *deltaCoalescer {
	return &deltaCoalescer{emit: emit, now: time.Now}
}

// Emit forwards one event, coalescing consecutive text deltas.
func (d *deltaCoalescer) Emit(typ string, data map[string]interface{}) {
	if typ == protocol.RunEventTextDelta {
		if content, _ := data["content"].(string); content != "" {
			d.pending.WriteString(content)
		}
		if d.now().Sub(d.lastFlush) >= deltaFlushInterval {
			d.Flush()
		}
		return
	}
	d.Flush()
	d.emit(typ, data)
}

// Flush emits the buffered delta text, if any.
func (d *deltaCoalescer) Flush() {
	if d.pending.Len() > 0 {
		d.emit(protocol.RunEventTextDelta, map[string]interface{}{"content": d.pending.String()})
		d.pending.Reset()
	}
	d.lastFlush = d.now()
}
