package driver

import (
	"log/slog"

	"github.com/cascade-search/rlm/pkg/audit"
	"github.com/cascade-search/rlm/pkg/bus"
)

// Logger receives every observable record the driver produces.
type Logger interface {
	Metadata(fields map[string]any)
	Iteration(index int, record *IterationRecord)
	Done(answer string, fields map[string]any)
	Error(message string)
	Cancelled()
}

// StreamLogger bridges driver output to the event bus and the JSONL
// audit file. The same implementation serves delegated children: handed
// a child bus view, its iteration events surface on the parent as
// sub_iteration, and its terminal records are swallowed by the view.
type StreamLogger struct {
	bus   bus.Emitter
	audit *audit.Writer
	log   *slog.Logger
	// recordType is "iteration" for root drivers and "sub_iteration"
	// for children, so the audit file mirrors the stream.
	recordType string
}

// NewStreamLogger creates a logger for a root driver. audit may be nil
// when persistence is disabled.
func NewStreamLogger(b bus.Emitter, w *audit.Writer) *StreamLogger {
	return &StreamLogger{bus: b, audit: w, log: slog.Default(), recordType: "iteration"}
}

// NewChildStreamLogger creates a logger for a delegated child sharing
// the parent's audit file.
func NewChildStreamLogger(b bus.Emitter, w *audit.Writer) *StreamLogger {
	return &StreamLogger{bus: b, audit: w, log: slog.Default(), recordType: "sub_iteration"}
}

func (l *StreamLogger) Metadata(fields map[string]any) {
	l.bus.Emit(bus.KindMetadata, fields)
	// The audit writer records metadata as its first line at creation;
	// nothing to append here.
}

func (l *StreamLogger) Iteration(index int, record *IterationRecord) {
	payload := record.payload(index)
	l.bus.Emit(bus.KindIteration, payload)
	l.append(l.recordType, payload)
	l.log.Debug("iteration complete",
		"iteration", index,
		"code_blocks", len(record.CodeBlocks),
		"final", record.FinalAnswer != "")
}

func (l *StreamLogger) Done(answer string, fields map[string]any) {
	payload := map[string]any{"answer": answer}
	for k, v := range fields {
		payload[k] = v
	}
	l.bus.Emit(bus.KindDone, payload)
	l.append("done", payload)
}

func (l *StreamLogger) Error(message string) {
	payload := map[string]any{"message": message}
	l.bus.Emit(bus.KindError, payload)
	l.append("error", payload)
	l.log.Error("search failed", "error", message)
}

func (l *StreamLogger) Cancelled() {
	l.bus.Emit(bus.KindCancelled, nil)
	l.append("cancelled", nil)
}

func (l *StreamLogger) append(recordType string, fields map[string]any) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Append(recordType, fields); err != nil {
		l.log.Warn("audit append failed", "error", err)
	}
}
