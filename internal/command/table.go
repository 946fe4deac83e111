package command

import (
	"context"
	"encoding/json"
)

// Handler implements one method. It returns a method status.
type Handler func(ctx context.Context, payload json.RawMessage) int

// Table maps method names to handlers, with a fallback for unknown methods.
// A Table is built once and is read-only afterwards.
type Table struct {
	handlers map[string]Handler
	fallback Handler
	logger   Logger
}

// NewTable creates an empty table. Unknown methods return StatusNotFound
// until a fallback is set.
func NewTable(logger Logger) *Table {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Table{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Handle registers h for method, replacing any earlier handler.
func (t *Table) Handle(method string, h Handler) *Table {
	t.handlers[method] = h
	return t
}

// Fallback sets the handler for methods with no registered handler.
func (t *Table) Fallback(h Handler) *Table {
	t.fallback = h
	return t
}

// Methods returns the registered method names.
func (t *Table) Methods() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch runs the handler for method and returns its status.
func (t *Table) Dispatch(ctx context.Context, method string, payload json.RawMessage) (status int) {
	h, ok := t.handlers[method]
	if !ok {
		h = t.fallback
	}
	if h == nil {
		return StatusNotFound
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("command handler panic", "method", method, "panic", r)
			status = StatusFailed
		}
	}()
	return h(ctx, payload)
}
