package config

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index/badger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index/memory"
)

// CreateSessionIndex creates the session index selected by cfg.Type.
func CreateSessionIndex(ctx context.Context, cfg *IndexConfig) (index.SessionIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "badger":
		return createBadgerIndex(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown session index type: %q", cfg.Type)
	}
}

// createBadgerIndex opens a BadgerDB-backed index.
func createBadgerIndex(ctx context.Context, options map[string]any) (index.SessionIndex, error) {
	var badgerCfg badger.Config
	if err := mapstructure.Decode(options, &badgerCfg); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}

	store, err := badger.New(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return store, nil
}
