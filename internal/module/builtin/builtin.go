package builtin

import (
	"log/slog"

	"github.com/gyaneshwarpardhi/recipebus/internal/module"
)

// Options carries the settings the built-in modules need.
type Options struct {
	Logger  *slog.Logger
	Webhook WebhookOptions
}

// Register installs every built-in module into reg.
func Register(reg *module.Registry, opts Options) {
	reg.Register(NewCore(opts.Logger))
	reg.Register(NewRecipes())
	reg.Register(NewWebhook(opts.Webhook))
}
