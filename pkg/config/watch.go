package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lightforgemedia/go-wshub/pkg/broker"
	"github.com/lightforgemedia/go-wshub/pkg/filewatcher"
)

// Watch reloads path whenever it changes and hands every valid result to
// onChange. An invalid file is logged and skipped; the previous config stays
// in effect. Watching ends with ctx.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := filewatcher.New([]string{path}, filewatcher.WithLogger(logger))
	if err != nil {
		return err
	}
	w.OnChange(func(string) {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn(fmt.Sprintf("Config: Reload of %s rejected: %v", path, err))
			return
		}
		for _, warning := range cfg.Warnings() {
			logger.Warn("Config: " + warning)
		}
		logger.Info(fmt.Sprintf("Config: Reloaded %s", path))
		onChange(cfg)
	})
	return w.Start(ctx)
}

// ApplyLive pushes the settings that take effect without a restart into b:
// channel auto-creation and the config of channels created from now on.
func (c *Config) ApplyLive(b *broker.Broker) {
	b.SetAutoCreateChannels(c.Channels.AutoCreate)
	b.SetDefaultChannelConfig(c.Channels.DefaultConfig)
}

// RestartRequired names the settings that differ from prev but only take
// effect when the hub restarts.
func (c *Config) RestartRequired(prev *Config) []string {
	var out []string
	if c.Host != prev.Host || c.Port != prev.Port {
		out = append(out, "host/port")
	}
	if c.Path != prev.Path {
		out = append(out, "path")
	}
	if c.PortFile != prev.PortFile {
		out = append(out, "port-file")
	}
	if c.WireFormat != prev.WireFormat {
		out = append(out, "wire-format")
	}
	if c.Heartbeat != prev.Heartbeat {
		out = append(out, "heartbeat")
	}
	if c.Telemetry != prev.Telemetry {
		out = append(out, "telemetry")
	}
	if c.Metrics != prev.Metrics {
		out = append(out, "metrics")
	}
	return out
}
