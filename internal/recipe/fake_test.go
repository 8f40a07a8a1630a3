package recipe

import (
	"context"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
)

type fakeModule struct {
	id      string
	actions map[string]module.ActionSpec
}

func (f *fakeModule) ID() string { return f.id }

func (f *fakeModule) Descriptor() module.Descriptor {
	return module.Descriptor{ID: f.id, Actions: f.actions}
}

func (f *fakeModule) HandleEvent(context.Context, *event.Event, *module.Context) (*event.Event, error) {
	return nil, nil
}

func (f *fakeModule) ExecuteAction(context.Context, string, map[string]interface{}, *module.Context) (*module.Result, error) {
	return module.OK(nil), nil
}
