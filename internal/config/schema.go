package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Version   string        `yaml:"version"`
	Server    ServerConf    `yaml:"server"`
	Log       LogConf       `yaml:"log"`
	Engine    EngineConf    `yaml:"engine"`
	Store     StoreConf     `yaml:"store"`
	Modules   ModulesConf   `yaml:"modules"`
	Recipes   []RecipeDef   `yaml:"recipes"`
	Schedules []ScheduleDef `yaml:"schedules"`
}

// ServerConf configures the HTTP listener.
type ServerConf struct {
	Addr              string `yaml:"addr"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

// LogConf selects the slog handler.
type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// EngineConf holds dispatch and execution limits.
type EngineConf struct {
	MaxDispatchDepth int `yaml:"max_dispatch_depth"`
	ActionTimeoutMs  int `yaml:"action_timeout_ms"`
	AsyncWorkers     int `yaml:"async_workers"`
	QueueDepth       int `yaml:"queue_depth"`
	CronIntervalMs   int `yaml:"cron_interval_ms"`
}

func (e EngineConf) ActionTimeout() time.Duration {
	return time.Duration(e.ActionTimeoutMs) * time.Millisecond
}

func (e EngineConf) CronInterval() time.Duration {
	return time.Duration(e.CronIntervalMs) * time.Millisecond
}

// StoreConf selects the persistence backend.
type StoreConf struct {
	Driver       string `yaml:"driver"` // memory | sqlite | postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	// AutoMigrate defaults to true.
	AutoMigrate *bool `yaml:"auto_migrate"`
}

// Migrate reports whether pending migrations are applied at startup.
func (s StoreConf) Migrate() bool {
	return s.AutoMigrate == nil || *s.AutoMigrate
}

// ModulesConf holds per-module settings.
type ModulesConf struct {
	// Credentials maps module id to credential name to value.
	Credentials map[string]map[string]string `yaml:"credentials"`
	Webhook     WebhookConf                  `yaml:"webhook"`
}

type WebhookConf struct {
	TimeoutMs    int      `yaml:"timeout_ms"`
	AllowedHosts []string `yaml:"allowed_hosts"` // empty = any host
	UserAgent    string   `yaml:"user_agent"`
}

// RecipeDef seeds a recipe. Conditions are given either as a tree under
// conditions or as the shorthand text form under when.
type RecipeDef struct {
	ID           string                 `yaml:"id"`
	OwnerID      string                 `yaml:"owner_id"`
	Name         string                 `yaml:"name"`
	Enabled      *bool                  `yaml:"enabled"` // default true
	TriggerEvent string                 `yaml:"trigger_event"`
	PrefixMatch  bool                   `yaml:"prefix_match"`
	When         string                 `yaml:"when"`
	Conditions   map[string]interface{} `yaml:"conditions"`
	SiteIDs      []string               `yaml:"site_ids"`
	Actions      []ActionDef            `yaml:"actions"`
}

// ActionDef is one step of a seeded recipe.
type ActionDef struct {
	Module string                 `yaml:"module"`
	Action string                 `yaml:"action"`
	Params map[string]interface{} `yaml:"params"`
}

// ScheduleDef seeds a cron schedule for a recipe.
type ScheduleDef struct {
	ID       string `yaml:"id"`
	OwnerID  string `yaml:"owner_id"`
	RecipeID string `yaml:"recipe_id"`
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
	Enabled  *bool  `yaml:"enabled"` // default true
}
