package runner

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vmpool/vmpool/pkg/config"
	"github.com/vmpool/vmpool/pkg/transports/ssh"
)

// FromConfig builds the gateway for the configured backend. transport is
// required when the command backend runs on a remote host. gate may be nil.
func FromConfig(cfg config.RunnerConfig, transport ssh.Transport, gate PolicyGate, logger zerolog.Logger) (*Gateway, error) {
	var backend Backend

	switch cfg.Backend {
	case "atlantis":
		a, err := NewAtlantisRunner(AtlantisConfig{
			URL:        cfg.Atlantis.URL,
			Token:      cfg.Atlantis.Token,
			Repository: cfg.Atlantis.Repository,
			Ref:        cfg.Atlantis.Ref,
			Type:       cfg.Atlantis.Type,
			DirPrefix:  cfg.Atlantis.DirPrefix,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		backend = a

	case "command":
		var exec Executor = &LocalExecutor{Binary: cfg.Command.Binary}
		if cfg.Command.Host != nil {
			if transport == nil {
				return nil, fmt.Errorf("runner host configured but no transport given")
			}
			exec = &RemoteExecutor{Binary: cfg.Command.Binary, Transport: transport}
		}
		backend = NewCommandRunner(exec, logger)

	default:
		return nil, fmt.Errorf("unknown runner backend %q", cfg.Backend)
	}

	return NewGateway(backend, Options{Timeout: cfg.Timeout, Policy: gate, Logger: logger}), nil
}
