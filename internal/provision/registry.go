package provision

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SettingsStore is the subset of the settings table Select needs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

const settingBackend = "provision_backend"

// Select picks the backend named by the override or the stored
// provision_backend setting. "auto" tries Docker first and falls back to
// the simulator, remembering the choice.
func Select(ctx context.Context, settings SettingsStore, override, dockerHost string, catalog *Catalog, log *zap.Logger) (Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	choice := override
	if choice == "" || choice == "auto" {
		if stored, err := settings.GetSetting(ctx, settingBackend); err == nil && stored != "" {
			choice = stored
		}
	}
	if choice == "" {
		choice = "auto"
	}

	if choice == "auto" || choice == "docker" {
		docker := NewDockerBackend(dockerHost, catalog, log)
		if err := docker.Initialize(ctx); err == nil && docker.Available() {
			log.Info("provisioning: using docker backend")
			if choice == "auto" {
				_ = settings.SetSetting(ctx, settingBackend, "docker")
			}
			return docker, nil
		} else if err != nil {
			log.Warn("docker backend unavailable", zap.Error(err))
		}
	}

	if choice == "auto" || choice == "simulator" {
		log.Info("provisioning: using in-memory simulator")
		return NewSimulator(catalog), nil
	}
	return nil, fmt.Errorf("%w (tried: %s)", ErrUnavailable, choice)
}
