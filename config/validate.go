package config

import (
	"fmt"
	"net/url"

	"go.uber.org/zap/zapcore"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

func invalidf(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

// Validate ensures required fields are present and ranges are sane.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if cfg.Engine.TimerInterval <= 0 {
		return ErrInvalid("engine.timerInterval must be > 0")
	}
	if cfg.Outbox.MaxLen <= 0 {
		return ErrInvalid("outbox.maxLen must be > 0")
	}
	if cfg.Store.TTL < 0 {
		return ErrInvalid("store.ttl must be >= 0")
	}
	if cfg.Store.RedisDB < 0 {
		return ErrInvalid("store.redisDB must be >= 0")
	}
	if err := validateVenue(cfg); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return invalidf("log.level %q: %v", cfg.Log.Level, err)
	}
	if cfg.Log.Format != "" && cfg.Log.Format != "json" && cfg.Log.Format != "console" {
		return invalidf("log.format must be json or console, got %q", cfg.Log.Format)
	}
	if cfg.Alert.Throttle < 0 {
		return ErrInvalid("alert.throttle must be >= 0")
	}
	if cfg.Alert.WebhookURL != "" {
		u, err := url.Parse(cfg.Alert.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalidf("alert.webhookURL must be an http(s) url, got %q", cfg.Alert.WebhookURL)
		}
	}
	return nil
}

func validateSession(s SessionConfig) error {
	if s.URL == "" {
		return ErrInvalid("session.url is required (or BRIDGE_SESSION_URL)")
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return invalidf("session.url must be a ws:// or wss:// url, got %q", s.URL)
	}
	if s.ClientID == "" {
		return ErrInvalid("session.clientId is required (or BRIDGE_CLIENT_ID)")
	}
	if s.PingInterval <= 0 || s.ReadTimeout <= 0 || s.WriteTimeout <= 0 || s.HandshakeTimeout <= 0 {
		return ErrInvalid("session timeouts and pingInterval must be > 0")
	}
	if s.ReadTimeout <= s.PingInterval {
		return invalidf("session.readTimeout (%s) must exceed pingInterval (%s)", s.ReadTimeout, s.PingInterval)
	}
	if s.BackoffInitial <= 0 || s.BackoffMax < s.BackoffInitial {
		return ErrInvalid("session backoff requires 0 < backoffInitial <= backoffMax")
	}
	if s.BackoffMultiplier <= 1 {
		return ErrInvalid("session.backoffMultiplier must be > 1")
	}
	if s.MaxReconnectAttempts <= 0 {
		return ErrInvalid("session.maxReconnectAttempts must be > 0")
	}
	if s.MaxMissedKeepalives <= 0 {
		return ErrInvalid("session.maxMissedKeepalives must be > 0")
	}
	if s.MaxMessageSize <= 0 {
		return ErrInvalid("session.maxMessageSize must be > 0")
	}
	return nil
}

func validateVenue(cfg AppConfig) error {
	v := cfg.Venue
	if v.Balance < 0 {
		return ErrInvalid("venue.balance must be >= 0")
	}
	if v.Leverage <= 0 {
		return ErrInvalid("venue.leverage must be > 0")
	}
	if len(v.Symbols) == 0 {
		return ErrInvalid("venue.symbols config is required")
	}
	for sym, sc := range v.Symbols {
		if sc.TickSize <= 0 {
			return invalidf("symbol %s tickSize must be > 0", sym)
		}
		if sc.StopsLevel < 0 {
			return invalidf("symbol %s stopsLevel must be >= 0", sym)
		}
		if sc.VolumeMin <= 0 || sc.VolumeMax < sc.VolumeMin {
			return invalidf("symbol %s requires 0 < volumeMin <= volumeMax", sym)
		}
		if sc.ContractSize <= 0 {
			return invalidf("symbol %s contractSize must be > 0", sym)
		}
		if sc.Bid < 0 || sc.Ask < 0 || (sc.Ask > 0 && sc.Bid > sc.Ask) {
			return invalidf("symbol %s requires 0 <= bid <= ask", sym)
		}
	}
	return nil
}
