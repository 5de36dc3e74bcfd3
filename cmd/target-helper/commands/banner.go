package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/trellisfw/target-helper/am"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/version"
)

// printStartupBanner prints what the service is about to do
func printStartupBanner(cfg *am.Config, verbosity int, local bool) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printfln("target-helper %s (commit %s)", info.Version, info.Short())

	storeDesc := cfg.StoreURL()
	if local {
		storeDesc = "in-memory (--local)"
	}
	var watchers []string
	if cfg.Ingest.Documents {
		watchers = append(watchers, "documents")
	}
	if cfg.Ingest.ASNs {
		watchers = append(watchers, "asns")
	}
	if cfg.Ingest.TradingPartners {
		watchers = append(watchers, "trading-partners")
	}
	if len(watchers) == 0 {
		watchers = append(watchers, "none")
	}
	sharing := "disabled"
	if cfg.Sharing.Enabled {
		sharing = fmt.Sprintf("%s (%.1f posts/s)", cfg.Sharing.Service, cfg.Sharing.PostsPerSecond)
	}
	status := "disabled"
	if cfg.Server.Port > 0 {
		status = fmt.Sprintf(":%d", cfg.Server.Port)
	}

	rows := pterm.TableData{
		{"Store", storeDesc},
		{"Service", fmt.Sprintf("%s (%d workers)", cfg.Pulse.Service, cfg.Pulse.Workers)},
		{"Watching", strings.Join(watchers, ", ")},
		{"Sharing", sharing},
		{"Ledger", cfg.GetDatabasePath()},
		{"Status server", status},
		{"Verbosity", logger.VerbosityToLevel(verbosity).String()},
	}
	_ = pterm.DefaultTable.WithData(rows).WithLeftAlignment().Render()
	pterm.Info.Println("Press Ctrl+C to stop")
	pterm.Println()
}
