package factory

import (
	"context"
	"fmt"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/chain"
	"github.com/smartcontractkit/multisig-factory/config"
	"github.com/smartcontractkit/multisig-factory/datastore"
	"github.com/smartcontractkit/multisig-factory/datastore/sqlstore"
	"github.com/smartcontractkit/multisig-factory/multisig"
	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

// OpenStore opens the datastore selected by cfg. The returned function closes it.
func OpenStore(
	ctx context.Context, cfg sqlstore.Config, lggr logger.Logger,
) (datastore.MutableStore[account.ID, DeploymentState], func() error, error) {
	if cfg.Driver == config.DriverMemory {
		return datastore.NewMemoryStore[account.ID, DeploymentState](), func() error { return nil }, nil
	}

	store, err := sqlstore.Open[account.ID, DeploymentState](ctx, cfg, lggr)
	if err != nil {
		return nil, nil, err
	}

	return store, store.Close, nil
}

// NewFromConfig builds the logger, loads the artifact and opens the datastore described by cfg,
// then returns a Factory using them. The returned function closes the datastore.
func NewFromConfig(
	ctx context.Context, cfg *config.Config, platform chain.Platform, opts ...Option,
) (*Factory, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	lggr, err := cfg.Log.New()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid config: log: %w", err)
	}
	artifact, err := multisig.LoadArtifact(cfg.Factory.ArtifactPath, cfg.Factory.ArtifactVersion)
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := OpenStore(ctx, cfg.Datastore, lggr)
	if err != nil {
		return nil, nil, err
	}

	f, err := New(Config{
		AccountID: account.ID(cfg.Factory.AccountID),
		Artifact:  artifact,
		Storage:   cfg.Storage,
		Gas:       cfg.Gas.Budget(),
	}, platform, lggr, append([]Option{WithStore(store)}, opts...)...)
	if err == nil {
		// the budget reserved by the factory includes the continuations of the compensations
		err = f.gas.Validate(cfg.Gas.Prepaid())
		if err != nil {
			err = fmt.Errorf("invalid config: gas: %w", err)
		}
	}
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}

	return f, closeStore, nil
}
