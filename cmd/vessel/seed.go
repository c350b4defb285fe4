package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/settlement"
)

type seedFile struct {
	Pools []seedPool `yaml:"pools"`
}

type seedPool struct {
	ID       string      `yaml:"id"`
	Status   string      `yaml:"status"`
	Priority seedTranche `yaml:"priority"`
	Catalyst seedTranche `yaml:"catalyst"`
}

type seedTranche struct {
	Target string `yaml:"target"`
	Funded string `yaml:"funded"`
	Rate   string `yaml:"rate"`
}

func (t seedTranche) state() (pool.TrancheState, error) {
	var s pool.TrancheState
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{{t.Target, &s.Target}, {t.Funded, &s.Funded}, {t.Rate, &s.Rate}} {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return s, err
		}
		*f.dst = v
	}
	return s, nil
}

// parseSeed decodes a YAML pool seed file.
func parseSeed(data []byte) ([]*pool.Pool, error) {
	var raw seedFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	pools := make([]*pool.Pool, 0, len(raw.Pools))
	for i, sp := range raw.Pools {
		p := &pool.Pool{ID: sp.ID, Status: pool.Status(sp.Status), UpdatedAt: time.Now().UTC()}
		if p.Status == "" {
			p.Status = pool.StatusOpen
		}
		var err error
		if p.Priority, err = sp.Priority.state(); err != nil {
			return nil, fmt.Errorf("seed pool %d priority: %w", i, err)
		}
		if p.Catalyst, err = sp.Catalyst.state(); err != nil {
			return nil, fmt.Errorf("seed pool %d catalyst: %w", i, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("seed pool %d: %w", i, err)
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// seedPools inserts pools that do not exist yet. Existing pools keep their funded totals.
func seedPools(ctx context.Context, store settlement.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed %q: %w", path, err)
	}
	pools, err := parseSeed(data)
	if err != nil {
		return err
	}
	for _, p := range pools {
		_, err := store.GetPool(ctx, p.ID)
		if err == nil {
			log.Printf("[vessel] seed: pool %s exists, skipping", p.ID)
			continue
		}
		if !errors.Is(err, pool.ErrPoolNotFound) {
			return err
		}
		if err := store.PutPool(ctx, p); err != nil {
			return fmt.Errorf("seed pool %s: %w", p.ID, err)
		}
		log.Printf("[vessel] seed: pool %s created", p.ID)
	}
	return nil
}
