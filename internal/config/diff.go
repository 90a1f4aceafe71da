package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	IdleTimeoutChanged bool
	NewIdleTimeout     time.Duration

	QueryTimeoutChanged bool
	NewQueryTimeout     time.Duration

	// KeepaliveChanged applies to connections accepted after the reload.
	KeepaliveChanged bool
	NewKeepalive     KeepaliveConfig

	// RestartRequired lists sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.IdleTimeoutChanged || d.QueryTimeoutChanged || d.KeepaliveChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.IdleTimeout != new.Session.IdleTimeout {
		d.IdleTimeoutChanged = true
		d.NewIdleTimeout = new.Session.IdleTimeout
	}
	if old.Query.Timeout != new.Query.Timeout {
		d.QueryTimeoutChanged = true
		d.NewQueryTimeout = new.Query.Timeout
	}
	if old.Keepalive != new.Keepalive {
		d.KeepaliveChanged = true
		d.NewKeepalive = new.Keepalive
	}

	oldSrv, newSrv := old.Server, new.Server
	if oldSrv.ListenAddr != newSrv.ListenAddr || oldSrv.WebSocketAddr != newSrv.WebSocketAddr ||
		oldSrv.OpsAddr != newSrv.OpsAddr || !sameTLS(oldSrv.TLS, newSrv.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Protocol != new.Protocol {
		d.RestartRequired = append(d.RestartRequired, "protocol")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Assistant != new.Assistant {
		d.RestartRequired = append(d.RestartRequired, "assistant")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
