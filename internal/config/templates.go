package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Render serializes cfg as TOML.
func Render(cfg Config) ([]byte, error) {
	out, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config render: %w", err)
	}
	return out, nil
}

// Template is the default configuration with an example host and schedule.
func Template() ([]byte, error) {
	cfg := Default()
	cfg.Server.Users = map[string]string{"admin": "change-me"}
	cfg.Server.CORSOrigins = []string{"http://localhost:3000"}
	cfg.Security.EncryptionKey = "change-me"
	cfg.Hosts = []HostConfig{{
		Name:          "edge",
		URL:           "http://edge.internal:5123",
		User:          "admin",
		Token:         "change-me",
		EncryptionKey: "change-me",
	}}
	cfg.Schedules = []ScheduleConfig{{
		Name:    "nightly-sleep",
		Cron:    "0 3 * * *",
		Command: "task sleep",
		Options: map[string]any{"seconds": 5.0, "async": true},
	}}
	return Render(cfg)
}

func WriteTemplate(path string, overwrite bool) error {
	data, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
