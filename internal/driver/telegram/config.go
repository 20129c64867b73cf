package telegram

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gotd/td/session"
)

const (
	defaultSessionFile    = ".cache/telegram/session.json"
	defaultAuthTimeout    = time.Minute
	defaultUpdateBuffer   = 256
	defaultReconnectFloor = time.Second
	defaultReconnectCap   = time.Minute
)

// fileConfig is the JSON accepted under drivers[].config. Strings may contain
// ${VAR} references so secrets can live in the environment.
type fileConfig struct {
	AppID            int    `json:"app_id"`
	AppHash          string `json:"app_hash"`
	BotToken         string `json:"bot_token"`
	SessionFile      string `json:"session_file"`
	UpdateBuffer     int    `json:"update_buffer"`
	PublishTimeout   string `json:"publish_timeout"`
	AuthTimeout      string `json:"auth_timeout"`
	ReconnectInitial string `json:"reconnect_initial"`
	ReconnectMax     string `json:"reconnect_max"`
}

type settings struct {
	appID            int
	appHash          string
	botToken         string
	sessionFile      string
	updateBuffer     int
	publishTimeout   time.Duration
	authTimeout      time.Duration
	reconnectInitial time.Duration
	reconnectMax     time.Duration
}

func parseSettings(raw []byte) (settings, error) {
	if len(raw) == 0 {
		return settings{}, errors.New("missing config")
	}
	var file fileConfig
	if err := json.Unmarshal(raw, &file); err != nil {
		return settings{}, fmt.Errorf("unmarshal config: %w", err)
	}

	parsed := settings{
		appID:        file.AppID,
		appHash:      expandEnv(file.AppHash),
		botToken:     expandEnv(file.BotToken),
		sessionFile:  cmp.Or(expandEnv(file.SessionFile), defaultSessionFile),
		updateBuffer: file.UpdateBuffer,
	}
	if parsed.updateBuffer <= 0 {
		parsed.updateBuffer = defaultUpdateBuffer
	}

	durations := []struct {
		field    string
		raw      string
		fallback time.Duration
		target   *time.Duration
	}{
		{"publish_timeout", file.PublishTimeout, defaultPublishTimeout, &parsed.publishTimeout},
		{"auth_timeout", file.AuthTimeout, defaultAuthTimeout, &parsed.authTimeout},
		{"reconnect_initial", file.ReconnectInitial, defaultReconnectFloor, &parsed.reconnectInitial},
		{"reconnect_max", file.ReconnectMax, defaultReconnectCap, &parsed.reconnectMax},
	}
	var problems []error
	for _, duration := range durations {
		value, err := positiveDuration(duration.raw, duration.fallback)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", duration.field, err))
			continue
		}
		*duration.target = value
	}

	if parsed.appID <= 0 {
		problems = append(problems, errors.New("app_id must be > 0"))
	}
	if parsed.appHash == "" {
		problems = append(problems, errors.New("app_hash is required"))
	}
	if parsed.botToken == "" {
		problems = append(problems, errors.New("bot_token is required"))
	}
	if parsed.reconnectMax > 0 && parsed.reconnectMax < parsed.reconnectInitial {
		problems = append(problems, errors.New("reconnect_max must be >= reconnect_initial"))
	}
	if err := errors.Join(problems...); err != nil {
		return settings{}, err
	}

	return parsed, nil
}

func expandEnv(value string) string {
	return strings.TrimSpace(os.ExpandEnv(value))
}

func positiveDuration(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, errors.New("must be > 0")
	}

	return value, nil
}

// openSessionStorage prepares the on-disk session file so a restart skips
// the bot login round trip.
func openSessionStorage(path string) (*session.FileStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty session file path")
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve session file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absolute), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	return &session.FileStorage{Path: absolute}, nil
}
