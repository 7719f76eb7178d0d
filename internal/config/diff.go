package config

import (
	"sort"
	"strings"

	logx "scriptbar/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like the API token).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if strings.TrimSpace(oldCfg.Plugins.Dir) != strings.TrimSpace(newCfg.Plugins.Dir) ||
		strings.TrimSpace(oldCfg.Plugins.RescanEvery) != strings.TrimSpace(newCfg.Plugins.RescanEvery) {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.String("plugins.dir", strings.TrimSpace(newCfg.Plugins.Dir)),
			logx.String("plugins.rescan_every", strings.TrimSpace(newCfg.Plugins.RescanEvery)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.Int("queue.workers", newCfg.Queue.Workers))
	}

	// Storage: nil means disabled.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	// API (never log the token itself)
	if oldCfg.API.Enabled != newCfg.API.Enabled ||
		strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		oldCfg.API.AllowInsecure != newCfg.API.AllowInsecure ||
		oldCfg.API.Pprof != newCfg.API.Pprof ||
		(strings.TrimSpace(oldCfg.API.Token) != "") != (strings.TrimSpace(newCfg.API.Token) != "") {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
