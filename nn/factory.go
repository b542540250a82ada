package nn

import (
	"fmt"
	"strings"

	"nflow/mask"
	"nflow/utils"

	"golang.org/x/exp/rand"
)

// New builds the model described by cfg, seeding its random source from cfg.Seed.
func New(cfg utils.Config) (Model, error) {
	if err := utils.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	opts := ModelOptions{
		CondSize:   cfg.CondSize,
		Activation: cfg.Activation,
		BatchNorm:  cfg.BatchNorm,
		Momentum:   cfg.Momentum,
		Eps:        cfg.Eps,
	}

	switch strings.ToLower(cfg.Kind) {
	case utils.KindMAF:
		order, err := mask.ParseOrder(cfg.InputOrder)
		if err != nil {
			return nil, err
		}
		opts.Order = order
		maf, err := NewMAF(cfg.NBlocks, cfg.InputSize, cfg.HiddenSize, cfg.NHidden, opts, rng)
		if err != nil {
			return nil, err
		}
		return maf, nil
	case utils.KindRealNVP:
		nvp, err := NewRealNVP(cfg.NBlocks, cfg.InputSize, cfg.HiddenSize, cfg.NHidden, opts, rng)
		if err != nil {
			return nil, err
		}
		return nvp, nil
	}
	return nil, fmt.Errorf("unknown flow kind %q", cfg.Kind)
}
