package config

import (
	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
)

// Validate rejects dangling references and malformed declarations before
// anything dispatches. Every error names the offending entity.
func (c *Config) Validate() error {
	workers := make(map[string]struct{}, len(c.Workers))
	for _, w := range c.Workers {
		if w.Name == "" {
			return ferrors.ConfigError("worker without a name").Build()
		}
		if _, dup := workers[w.Name]; dup {
			return ferrors.ConfigError("duplicate worker name").
				WithContext("worker", w.Name).Build()
		}
		if w.Kind != "local" {
			return ferrors.ConfigError("unknown worker kind").
				WithContext("worker", w.Name).
				WithContext("kind", w.Kind).Build()
		}
		workers[w.Name] = struct{}{}
	}

	builders := make(map[string]struct{}, len(c.Builders))
	for _, b := range c.Builders {
		if b.Name == "" {
			return ferrors.ConfigError("builder without a name").Build()
		}
		if _, dup := builders[b.Name]; dup {
			return ferrors.ConfigError("duplicate builder name").
				WithContext("builder", b.Name).Build()
		}
		builders[b.Name] = struct{}{}

		if len(b.Workers) == 0 {
			return ferrors.ConfigError("builder without workers").
				WithContext("builder", b.Name).Build()
		}
		for _, name := range b.Workers {
			if _, ok := workers[name]; !ok {
				return ferrors.ConfigError("builder references unknown worker").
					WithContext("builder", b.Name).
					WithContext("worker", name).Build()
			}
		}

		if len(b.Steps) == 0 {
			return ferrors.ConfigError("builder without steps").
				WithContext("builder", b.Name).Build()
		}
		for _, step := range b.Steps {
			if step.Name == "" {
				return ferrors.ConfigError("step without a name").
					WithContext("builder", b.Name).Build()
			}
			if len(step.Command) == 0 {
				return ferrors.ConfigError("step without a command").
					WithContext("builder", b.Name).
					WithContext("step", step.Name).Build()
			}
			if step.RunWhen != "always" && step.RunWhen != "on-success" {
				return ferrors.ConfigError("unknown run_when value").
					WithContext("builder", b.Name).
					WithContext("step", step.Name).
					WithContext("run_when", step.RunWhen).Build()
			}
		}
	}

	schedulers := make(map[string]struct{}, len(c.Schedulers))
	for _, s := range c.Schedulers {
		if s.Name == "" {
			return ferrors.ConfigError("scheduler without a name").Build()
		}
		if _, dup := schedulers[s.Name]; dup {
			return ferrors.ConfigError("duplicate scheduler name").
				WithContext("scheduler", s.Name).Build()
		}
		schedulers[s.Name] = struct{}{}

		if len(s.Builders) == 0 {
			return ferrors.ConfigError("scheduler without builders").
				WithContext("scheduler", s.Name).Build()
		}
		for _, name := range s.Builders {
			if _, ok := builders[name]; !ok {
				return ferrors.ConfigError("scheduler references unknown builder").
					WithContext("scheduler", s.Name).
					WithContext("builder", name).Build()
			}
		}

		switch s.Type {
		case "immediate":
		case "collecting":
			if s.QuietPeriod <= 0 {
				return ferrors.ConfigError("collecting scheduler needs a positive quiet_period").
					WithContext("scheduler", s.Name).Build()
			}
		case "dependent":
			if s.Upstream == "" {
				return ferrors.ConfigError("dependent scheduler needs an upstream").
					WithContext("scheduler", s.Name).Build()
			}
		case "periodic":
			if s.Interval <= 0 {
				return ferrors.ConfigError("periodic scheduler needs a positive interval").
					WithContext("scheduler", s.Name).Build()
			}
		default:
			return ferrors.ConfigError("unknown scheduler type").
				WithContext("scheduler", s.Name).
				WithContext("type", s.Type).Build()
		}
	}

	// Upstreams resolve after the whole set is known; order in the file must
	// not matter.
	for _, s := range c.Schedulers {
		if s.Type != "dependent" {
			continue
		}
		if _, ok := schedulers[s.Upstream]; !ok {
			return ferrors.ConfigError("dependent scheduler references unknown upstream").
				WithContext("scheduler", s.Name).
				WithContext("upstream", s.Upstream).Build()
		}
		if s.Upstream == s.Name {
			return ferrors.ConfigError("dependent scheduler cannot depend on itself").
				WithContext("scheduler", s.Name).Build()
		}
	}

	pollers := make(map[string]struct{}, len(c.Pollers))
	for _, p := range c.Pollers {
		if p.Name == "" || p.URL == "" {
			return ferrors.ConfigError("poller needs a name and a url").
				WithContext("poller", p.Name).Build()
		}
		if _, dup := pollers[p.Name]; dup {
			return ferrors.ConfigError("duplicate poller name").
				WithContext("poller", p.Name).Build()
		}
		pollers[p.Name] = struct{}{}
	}

	switch c.MQ.Backend {
	case "simple":
	case "nats":
		if c.MQ.URL == "" {
			return ferrors.ConfigError("nats backend needs a url").Build()
		}
	default:
		return ferrors.ConfigError("unknown mq backend").
			WithContext("backend", c.MQ.Backend).Build()
	}

	switch c.Secrets.Source {
	case "static", "env":
	default:
		return ferrors.ConfigError("unknown secrets source").
			WithContext("source", c.Secrets.Source).Build()
	}
	return nil
}
