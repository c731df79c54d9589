// Package config loads wemos-relay settings.
//
// Values are layered: built-in defaults, then configs/config.yaml (or the
// file named by WEMOSRELAY_CONFIG), then WEMOSRELAY_* environment
// variables. PORT is honoured for the API port so the relay runs unchanged
// on platforms that inject it.
//
// Secrets (MQTT password, InfluxDB token, controller token secret) belong in
// the environment rather than the file.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
//	grace := cfg.Gateway.AuthGraceWindowDuration()
package config
