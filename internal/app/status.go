package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/xxxsen/romfetch/internal/db"
)

// StatusCommand prints sync state and catalog counts as JSON.
type StatusCommand struct {
	env *Env
}

type systemStatus struct {
	System       string        `json:"system"`
	Label        string        `json:"label"`
	Source       string        `json:"source"`
	CatalogCount int           `json:"catalog_count"`
	LocalCount   int           `json:"local_count"`
	State        *db.SyncState `json:"state,omitempty"`
}

func NewStatusCommand() *StatusCommand { return &StatusCommand{} }

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Desc() string {
	return "Show per-system sync state and catalog counts"
}

func (c *StatusCommand) Init(f *pflag.FlagSet) {}

func (c *StatusCommand) PreRun(ctx context.Context, env *Env) error {
	c.env = env
	return nil
}

func (c *StatusCommand) Run(ctx context.Context) error {
	result, err := c.collect(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func (c *StatusCommand) collect(ctx context.Context) ([]systemStatus, error) {
	states, err := c.env.States.List(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]db.SyncState, len(states))
	for _, st := range states {
		byKey[st.System+"\x00"+st.Source] = st
	}
	out := make([]systemStatus, 0, len(c.env.Config.Systems))
	for _, sys := range c.env.Config.Systems {
		item := systemStatus{System: sys.Key, Label: sys.Label, Source: sys.Source}
		if item.CatalogCount, err = c.env.Catalog.Count(ctx, sys.Key, sys.Source); err != nil {
			return nil, err
		}
		if item.LocalCount, err = c.env.Locals.CountBySystem(ctx, sys.Key); err != nil {
			return nil, err
		}
		if st, ok := byKey[sys.Key+"\x00"+sys.Source]; ok {
			item.State = &st
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *StatusCommand) PostRun(ctx context.Context) error { return nil }

func init() {
	RegisterRunner("status", func() IRunner { return NewStatusCommand() })
}
