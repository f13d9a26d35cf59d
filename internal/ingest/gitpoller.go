package ingest

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/model"
)

// ChangeSink receives every change a poller detects. The master records it
// and fans it out to the schedulers.
type ChangeSink func(ctx context.Context, c *model.Change)

// GitPollerConfig declares one polled repository.
type GitPollerConfig struct {
	Name     string
	URL      string
	Branches []string // empty polls every branch
	Interval time.Duration
	Project  string
	Codebase string

	// Optional basic auth (token auth uses the token as password).
	Username string
	Password string
}

// GitPoller watches remote branch heads and emits a change whenever one
// moves. The first poll primes the known heads without emitting, so a master
// restart does not re-announce history.
type GitPoller struct {
	cfg  GitPollerConfig
	sink ChangeSink

	mu    sync.Mutex
	heads map[string]string // branch name -> last seen hash
}

// NewGitPoller creates a poller. Interval zero defaults to one minute.
func NewGitPoller(cfg GitPollerConfig, sink ChangeSink) *GitPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &GitPoller{cfg: cfg, sink: sink, heads: make(map[string]string)}
}

// Run polls until the context is cancelled. Call on its own goroutine.
func (p *GitPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	if err := p.Poll(ctx); err != nil {
		slog.Warn("git poll failed", slog.String("poller", p.cfg.Name), logfields.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				slog.Warn("git poll failed", slog.String("poller", p.cfg.Name), logfields.Error(err))
			}
		}
	}
}

// Poll lists the remote's branch heads once and emits a change per moved
// head.
func (p *GitPoller) Poll(ctx context.Context) error {
	heads, err := p.listHeads()
	if err != nil {
		return err
	}

	p.mu.Lock()
	primed := len(p.heads) > 0
	var moved []model.Change
	for branch, hash := range heads {
		if last, ok := p.heads[branch]; primed && (!ok || last != hash) {
			moved = append(moved, model.Change{
				Branch:     branch,
				Revision:   hash,
				Repository: p.cfg.URL,
				Project:    p.cfg.Project,
				Codebase:   p.cfg.Codebase,
				When:       time.Now(),
				Comments:   "branch head moved",
			})
		}
		p.heads[branch] = hash
	}
	if !primed && len(heads) == 0 {
		// An empty repository primes nothing; keep trying.
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	for i := range moved {
		c := moved[i]
		slog.Info("change detected",
			slog.String("poller", p.cfg.Name),
			slog.String("branch", c.Branch),
			slog.String("revision", c.Revision))
		p.sink(ctx, &c)
	}
	return nil
}

func (p *GitPoller) listHeads() (map[string]string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{p.cfg.URL},
	})

	var auth transport.AuthMethod
	if p.cfg.Username != "" || p.cfg.Password != "" {
		auth = &githttp.BasicAuth{Username: p.cfg.Username, Password: p.cfg.Password}
	}

	refs, err := remote.List(&git.ListOptions{Auth: auth})
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryRuntime, "list remote references").
			WithContext("url", p.cfg.URL).Retryable().Build()
	}

	heads := make(map[string]string)
	for _, ref := range refs {
		if ref.Type() == plumbing.SymbolicReference {
			continue
		}
		name := ref.Name().String()
		if !strings.HasPrefix(name, "refs/heads/") {
			continue
		}
		branch := strings.TrimPrefix(name, "refs/heads/")
		if len(p.cfg.Branches) > 0 && !slices.Contains(p.cfg.Branches, branch) {
			continue
		}
		heads[branch] = ref.Hash().String()
	}
	return heads, nil
}
