package requestlog

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Writer.Log's drop-on-full behavior is exercised directly against the
// channel, without dialing a real ClickHouse connection: run() is never
// started, so nothing ever drains w.ch.
func TestWriter_LogDropsWhenChannelFull(t *testing.T) {
	w := &Writer{ch: make(chan store.RequestLog, 1)}

	w.Log(store.RequestLog{RequestID: "a"})
	w.Log(store.RequestLog{RequestID: "b"})
	w.Log(store.RequestLog{RequestID: "c"})

	if w.DroppedLogs() != 2 {
		t.Fatalf("expected 2 dropped entries once the buffer of 1 fills, got %d", w.DroppedLogs())
	}
}
