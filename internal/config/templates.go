package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# tradechart configuration

[api]
# Market data API serving /klines and /trades/open
base_url = "http://127.0.0.1:8080/api"
api_key = ""
timeout = "10s"
# Retries for transport failures
retries = 2
# Consecutive network failures before requests are paused (0 disables)
breaker_threshold = 5
breaker_cooldown = "30s"

[chart]
interval = "1h"
# Candles requested on a full reload
history_limit = 500
# Last-candle refresh period when real-time is on
poll_interval = "7s"
realtime = true
width = 1200
height = 480
# PNG file rewritten on every update
output = "chart.png"
# IANA zone for axis and tooltip labels
timezone = "UTC"

[style]
profit_color = "#26a69a"
loss_color = "#ef5350"
high_opacity = 0.35
low_opacity = 0.12

[cache]
# Write-through SQLite candle cache, used by --offline
enabled = false

[log]
level = "info"
file = true
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
