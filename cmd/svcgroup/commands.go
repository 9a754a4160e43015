package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/loykin/svcgroup"
	"github.com/loykin/svcgroup/pkg/client"
)

// command holds the implementation behind each cobra command.
type command struct {
	out io.Writer
}

// outcomeSummary is what run prints once the group has terminated.
type outcomeSummary struct {
	Group     string   `json:"group"`
	RunID     string   `json:"run_id"`
	Success   bool     `json:"success"`
	Trigger   string   `json:"trigger"`
	Secondary []string `json:"secondary,omitempty"`
	Abandoned []string `json:"abandoned,omitempty"`
	Duration  string   `json:"duration"`
	Error     string   `json:"error,omitempty"`
}

func summarize(o *svcgroup.Outcome) outcomeSummary {
	s := outcomeSummary{
		Group:     o.Group,
		RunID:     o.RunID,
		Success:   o.Success(),
		Trigger:   o.Trigger.String(),
		Abandoned: o.Abandoned,
		Duration:  o.Duration().String(),
	}
	for _, t := range o.Secondary {
		s.Secondary = append(s.Secondary, t.String())
	}
	if err := o.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

func (c command) Run(ctx context.Context, f RunFlags) error {
	cfg, err := svcgroup.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	a, err := svcgroup.Build(cfg, svcgroup.AppOptions{})
	if err != nil {
		return err
	}
	out, err := a.Run(ctx)
	if out != nil {
		c.printJSON(summarize(out))
	}
	return err
}

func (c command) Validate(f ValidateFlags) error {
	cfg, err := svcgroup.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "config OK: group %q with %d service(s)\n", cfg.Group.Name, len(cfg.Services))
	return nil
}

func (c command) client(f APIFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:    f.APIUrl,
		Timeout:    f.APITimeout,
		CACert:     f.CACert,
		SkipVerify: f.Insecure,
		Token:      f.Token,
	})
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	cl := c.client(f.APIFlags)
	if f.Service != "" {
		st, err := cl.Service(ctx, f.Service)
		if err != nil {
			return err
		}
		c.printJSON(st)
		return nil
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	c.printJSON(st)
	return nil
}

func (c command) Stop(ctx context.Context, f StopFlags) error {
	cl := c.client(f.APIFlags)
	if err := cl.Stop(ctx); err != nil {
		return err
	}
	if f.Wait <= 0 {
		_, _ = fmt.Fprintln(c.out, "stop requested")
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, f.Wait)
	defer cancel()
	out, err := cl.WaitOutcome(wctx, 0)
	if err != nil {
		return fmt.Errorf("waiting for outcome: %w", err)
	}
	c.printJSON(out)
	if !out.Success {
		return errors.New("group terminated with failure: " + out.Error)
	}
	return nil
}

func (c command) Outcome(ctx context.Context, f OutcomeFlags) error {
	out, err := c.client(f.APIFlags).Outcome(ctx)
	if err != nil {
		return err
	}
	c.printJSON(out)
	return nil
}

func (c command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}
