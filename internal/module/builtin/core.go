// Package builtin holds the modules every recipebus process registers.
package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
)

// Core provides engine-level actions: emitting arbitrary events and writing
// to the process log.
type Core struct {
	log *slog.Logger
}

// NewCore returns the core module. A nil logger means slog.Default().
func NewCore(log *slog.Logger) *Core {
	if log == nil {
		log = slog.Default()
	}
	return &Core{log: log}
}

func (c *Core) ID() string { return event.ModuleCore }

func (c *Core) Descriptor() module.Descriptor {
	return module.Descriptor{
		ID:                event.ModuleCore,
		EmittedEventTypes: []string{event.TypeDispatchDepthExceeded},
		Actions: map[string]module.ActionSpec{
			"emit_event": {
				Description: "Dispatch a new event on behalf of the recipe owner.",
				Params: map[string]module.ParamSpec{
					"event_type":    {Type: module.ParamString, Required: true},
					"source_module": {Type: module.ParamString},
					"payload":       {Type: module.ParamObject},
					"severity":      {Type: module.ParamString},
					"site_id":       {Type: module.ParamString},
				},
			},
			"log": {
				Description: "Write a message to the process log.",
				Params: map[string]module.ParamSpec{
					"message": {Type: module.ParamString, Required: true},
					"level":   {Type: module.ParamString},
				},
			},
		},
	}
}

func (c *Core) HandleEvent(context.Context, *event.Event, *module.Context) (*event.Event, error) {
	return nil, nil
}

func (c *Core) ExecuteAction(ctx context.Context, actionID string, params map[string]interface{}, mctx *module.Context) (*module.Result, error) {
	switch actionID {
	case "emit_event":
		return c.emit(params, mctx)
	case "log":
		return c.logMessage(ctx, params, mctx)
	}
	return nil, fmt.Errorf("core.%s: %w", actionID, module.ErrUnknownAction)
}

func (c *Core) emit(params map[string]interface{}, mctx *module.Context) (*module.Result, error) {
	typ, _ := params["event_type"].(string)
	if typ == "" {
		return nil, fmt.Errorf("core.emit_event: event_type is required")
	}
	source, _ := params["source_module"].(string)
	if source == "" {
		source = event.ModuleCore
	}
	payload, _ := params["payload"].(map[string]interface{})
	severity, _ := params["severity"].(string)
	siteID, _ := params["site_id"].(string)
	if siteID == "" && mctx != nil {
		siteID = mctx.SiteID
	}

	ev := &event.Event{
		ID:           uuid.NewString(),
		Type:         typ,
		SourceModule: source,
		Payload:      payload,
		SiteID:       siteID,
		Severity:     event.Severity(severity),
		CreatedAt:    time.Now().UTC(),
	}
	if mctx != nil {
		ev.OwnerID = mctx.OwnerID
	}
	res := module.OK(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})
	res.Events = []*event.Event{ev}
	return res, nil
}

func (c *Core) logMessage(ctx context.Context, params map[string]interface{}, mctx *module.Context) (*module.Result, error) {
	msg, _ := params["message"].(string)
	out := map[string]interface{}{"message": msg}
	level := slog.LevelInfo
	if lv, ok := params["level"].(string); ok && lv != "" {
		if err := level.UnmarshalText([]byte(lv)); err != nil {
			c.write(ctx, slog.LevelInfo, msg, mctx)
			return module.Partial(fmt.Sprintf("unknown level %q, logged at info", lv), out), nil
		}
	}
	c.write(ctx, level, msg, mctx)
	return module.OK(out), nil
}

func (c *Core) write(ctx context.Context, level slog.Level, msg string, mctx *module.Context) {
	attrs := []any{"module", event.ModuleCore}
	if mctx != nil {
		attrs = append(attrs, "owner_id", mctx.OwnerID, "run_id", mctx.RunID)
	}
	c.log.Log(ctx, level, "recipe log: "+msg, attrs...)
}
