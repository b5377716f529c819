package sink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Git defaults.
const (
	DefaultGitFile   = "context.json"
	DefaultGitRemote = "origin"
	DefaultGitBranch = "master"
)

// Runner runs a git subcommand in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs the git binary.
type ExecRunner struct {
	// Binary is the git executable; "git" when empty.
	Binary string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}

// GitConfig configures a GitPublisher.
type GitConfig struct {
	// RepoDir is the working tree. It is created and initialised if needed.
	RepoDir string

	// File is the payload file name inside RepoDir.
	File string

	// Remote is the remote name.
	Remote string

	// RemoteURL is added as Remote when the remote does not exist yet.
	RemoteURL string

	// Branch is pulled from and pushed to.
	Branch string
}

// GitPublisher writes the payload document to a file and pushes it to a git
// remote.
type GitPublisher struct {
	cfg    GitConfig
	runner Runner
	logger zerolog.Logger
	now    func() time.Time
}

// GitOption configures a GitPublisher.
type GitOption func(*GitPublisher)

// WithRunner replaces the git command runner.
func WithRunner(r Runner) GitOption {
	return func(p *GitPublisher) {
		p.runner = r
	}
}

// WithGitLogger sets the logger.
func WithGitLogger(logger zerolog.Logger) GitOption {
	return func(p *GitPublisher) {
		p.logger = logger.With().Str("sink", "git").Logger()
	}
}

// WithClock sets the time source used for commit messages.
func WithClock(now func() time.Time) GitOption {
	return func(p *GitPublisher) {
		p.now = now
	}
}

// NewGitPublisher creates a GitPublisher.
func NewGitPublisher(cfg GitConfig, opts ...GitOption) (*GitPublisher, error) {
	if cfg.RepoDir == "" {
		return nil, fmt.Errorf("git sink: repo dir is required")
	}
	if cfg.File == "" {
		cfg.File = DefaultGitFile
	}
	if cfg.Remote == "" {
		cfg.Remote = DefaultGitRemote
	}
	if cfg.Branch == "" {
		cfg.Branch = DefaultGitBranch
	}

	p := &GitPublisher{
		cfg:    cfg,
		runner: ExecRunner{},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name implements Publisher.
func (p *GitPublisher) Name() string {
	return "git"
}

// Publish implements Publisher.
func (p *GitPublisher) Publish(ctx context.Context, payload *Payload) error {
	if err := p.prepare(ctx); err != nil {
		return err
	}

	data, err := payload.MarshalIndent()
	if err != nil {
		return fmt.Errorf("git sink: encode payload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.cfg.RepoDir, p.cfg.File), data, 0o644); err != nil {
		return fmt.Errorf("git sink: write %s: %w", p.cfg.File, err)
	}

	if _, err := p.git(ctx, "add", p.cfg.File); err != nil {
		return err
	}

	message := fmt.Sprintf("Update %s - %s", p.cfg.File, p.now().Format("2006-01-02 15:04:05"))
	if out, err := p.git(ctx, "commit", "-m", message); err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit") {
			p.logger.Debug().Msg("payload unchanged, nothing to push")
			return nil
		}
		return err
	}

	if _, err := p.git(ctx, "push", "-u", p.cfg.Remote, p.cfg.Branch); err != nil {
		return err
	}

	p.logger.Info().Str("file", p.cfg.File).Str("remote", p.cfg.Remote).Msg("payload pushed")
	return nil
}

// prepare initialises the repository, adds the remote and pulls.
func (p *GitPublisher) prepare(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.RepoDir, 0o755); err != nil {
		return fmt.Errorf("git sink: create repo dir: %w", err)
	}

	if _, err := os.Stat(filepath.Join(p.cfg.RepoDir, ".git")); os.IsNotExist(err) {
		if _, err := p.git(ctx, "init"); err != nil {
			return err
		}
	}

	if _, err := p.runner.Run(ctx, p.cfg.RepoDir, "remote", "get-url", p.cfg.Remote); err != nil {
		if p.cfg.RemoteURL == "" {
			return fmt.Errorf("git sink: remote %s is not configured and no remote URL was given", p.cfg.Remote)
		}
		if _, err := p.git(ctx, "remote", "add", p.cfg.Remote, p.cfg.RemoteURL); err != nil {
			return err
		}
	}

	out, err := p.runner.Run(ctx, p.cfg.RepoDir, "pull", p.cfg.Remote, p.cfg.Branch, "--allow-unrelated-histories")
	if err != nil {
		if strings.Contains(out, "refusing to merge unrelated histories") {
			p.logger.Warn().Msg("repository has unrelated histories, continuing with local changes")
		} else {
			p.logger.Debug().Str("output", out).Msg("pull failed, continuing")
		}
	}
	return nil
}

func (p *GitPublisher) git(ctx context.Context, args ...string) (string, error) {
	out, err := p.runner.Run(ctx, p.cfg.RepoDir, args...)
	if err != nil {
		return out, fmt.Errorf("git sink: git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	p.logger.Debug().Strs("args", args).Msg("git command succeeded")
	return out, nil
}
