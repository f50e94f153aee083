package commands

import (
	"database/sql"
	"time"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/provider/classifier"
	"github.com/plumehq/plume/provider/mailhub"
	"github.com/plumehq/plume/stages/faqmine"
	"github.com/plumehq/plume/stages/mailclassify"
	"github.com/plumehq/plume/stages/mailimport"
	"github.com/plumehq/plume/stages/mailsync"
	"github.com/plumehq/plume/stint"
)

// buildRegistry wires every stage adapter against its provider client.
// The daemon and one-shot CLI invocations share this wiring so a stage
// name resolves identically everywhere.
func buildRegistry(database *sql.DB, cfg *config.Config) *stint.Registry {
	mailhubClient := mailhub.NewClient(cfg.Mailhub)
	classifierClient := classifier.NewClient(cfg.GetClassifierConfig())

	registry := stint.NewRegistry()
	registry.Register(mailimport.New(database, mailhubClient))
	registry.Register(mailclassify.New(database, classifierClient))
	registry.Register(mailsync.New(database, mailhubClient))
	registry.Register(faqmine.New(database, classifierClient))
	return registry
}

// buildEngine creates a stint engine from configuration. Only the
// invocation budget is user-tunable; the remaining knobs keep their
// engine defaults.
func buildEngine(database *sql.DB, cfg *config.Config) *stint.Engine {
	stintCfg := cfg.GetStintConfig()
	engineCfg := stint.EngineConfig{
		InvocationBudget: time.Duration(stintCfg.InvocationBudgetSeconds) * time.Second,
	}
	return stint.NewEngine(database, buildRegistry(database, cfg), engineCfg)
}
