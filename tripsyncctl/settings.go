package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripplan/tripsync/relay"
	"github.com/tripplan/tripsync/tripsync"
)

// settingsFile overrides the defaults. Zero values keep the default.
//
//	session:
//	  join_timeout: 10s
//	  gap_timeout: 5s
//	  max_reconnect_attempts: 8
//	relay:
//	  ping_interval: 15s
//	  compact_threshold: 256
type settingsFile struct {
	Session struct {
		JoinTimeout           time.Duration `yaml:"join_timeout"`
		LeaveTimeout          time.Duration `yaml:"leave_timeout"`
		SnapshotTimeout       time.Duration `yaml:"snapshot_timeout"`
		KeepaliveInterval     time.Duration `yaml:"keepalive_interval"`
		ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
		MaxReconnectDelay     time.Duration `yaml:"max_reconnect_delay"`
		MaxReconnectAttempts  int           `yaml:"max_reconnect_attempts"`
		GapTimeout            time.Duration `yaml:"gap_timeout"`
		ReleasedIdWindow      int           `yaml:"released_id_window"`
	} `yaml:"session"`

	Relay struct {
		AuthTimeout      time.Duration `yaml:"auth_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		KeyPrefix        string        `yaml:"key_prefix"`
		CompactThreshold int           `yaml:"compact_threshold"`
	} `yaml:"relay"`
}

func loadSettingsFile(path string) (*settingsFile, error) {
	settings := &settingsFile{}
	if path == "" {
		return settings, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func override[T comparable](target *T, value T) {
	var zero T
	if value != zero {
		*target = value
	}
}

func (self *settingsFile) sessionSettings() *tripsync.SessionSettings {
	settings := tripsync.DefaultSessionSettings()
	override(&settings.JoinTimeout, self.Session.JoinTimeout)
	override(&settings.LeaveTimeout, self.Session.LeaveTimeout)
	override(&settings.SnapshotTimeout, self.Session.SnapshotTimeout)
	override(&settings.KeepaliveInterval, self.Session.KeepaliveInterval)
	override(&settings.ReconnectInitialDelay, self.Session.ReconnectInitialDelay)
	override(&settings.MaxReconnectDelay, self.Session.MaxReconnectDelay)
	override(&settings.MaxReconnectAttempts, self.Session.MaxReconnectAttempts)
	override(&settings.ReorderSettings.GapTimeout, self.Session.GapTimeout)
	override(&settings.ReorderSettings.ReleasedIdWindow, self.Session.ReleasedIdWindow)
	return settings
}

func (self *settingsFile) serverSettings() *relay.ServerSettings {
	settings := relay.DefaultServerSettings()
	override(&settings.AuthTimeout, self.Relay.AuthTimeout)
	override(&settings.ReadTimeout, self.Relay.ReadTimeout)
	override(&settings.PingInterval, self.Relay.PingInterval)
	return settings
}

func (self *settingsFile) redisSequencerSettings() *relay.RedisSequencerSettings {
	settings := relay.DefaultRedisSequencerSettings()
	override(&settings.KeyPrefix, self.Relay.KeyPrefix)
	override(&settings.CompactThreshold, self.Relay.CompactThreshold)
	return settings
}
