// Package storage keeps the site records in a git repository, one JSON file
// per account under sites/<kind>/<login>.json.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/codec"
	"github.com/xkilldash9x/coupon-clipper/internal/config"
	"github.com/xkilldash9x/coupon-clipper/internal/cookies"
	"github.com/xkilldash9x/coupon-clipper/internal/site"
)

const (
	sitesDir      = "sites"
	remoteName    = "origin"
	tokenUsername = "x-access-token"
	commitPrefix  = "Auto-commit sites data changes: "

	defaultTimeout = 15 * time.Second
)

// siteFile is the stored form of a site.
type siteFile struct {
	Auth               site.Auth        `json:"auth"`
	Cookies            []cookies.Record `json:"cookies"`
	LastCleanTimestamp string           `json:"lastCleanTimestamp,omitempty"`
}

// Repository loads and saves sites through a private clone of the data
// repository. The clone is made on first use and removed by Close.
type Repository struct {
	cfg    config.StorageConfig
	token  string
	kinds  []string
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	dir  string
	repo *git.Repository
	// fs is the worktree of the clone.
	fs billy.Filesystem
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock replaces the clock used for commit times and legacy records.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// New creates a repository for the given site kinds. token authenticates
// https remotes and may be empty.
func New(cfg config.StorageConfig, token string, kinds []string, logger *zap.Logger, opts ...Option) (*Repository, error) {
	if err := cfg.RequireStorage(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	r := &Repository{
		cfg:    cfg,
		token:  token,
		kinds:  append([]string(nil), kinds...),
		logger: logger.Named("storage"),
		now:    time.Now,
	}
	sort.Strings(r.kinds)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// LoadSites reads every stored site of the known kinds.
func (r *Repository) LoadSites(ctx context.Context) ([]*site.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.open(ctx); err != nil {
		return nil, err
	}

	if err := r.warnUnknownKinds(); err != nil {
		return nil, err
	}

	var sites []*site.Site
	for _, kind := range r.kinds {
		kindDir := path.Join(sitesDir, kind)
		entries, err := r.fs.ReadDir(kindDir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", kindDir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			s, err := r.readSite(kind, path.Join(kindDir, e.Name()))
			if err != nil {
				return nil, err
			}
			sites = append(sites, s)
		}
	}
	r.logger.Info("Sites loaded.", zap.Int("count", len(sites)))
	return sites, nil
}

func (r *Repository) readSite(kind, p string) (*site.Site, error) {
	data, err := r.readFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	var file siteFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", p, err)
	}

	lastClean := r.now().Truncate(time.Second)
	if file.LastCleanTimestamp != "" {
		if lastClean, err = time.Parse(time.RFC3339, file.LastCleanTimestamp); err != nil {
			return nil, fmt.Errorf("invalid lastCleanTimestamp in %s: %w", p, err)
		}
	}

	s := site.New(kind, file.Auth, lastClean)
	s.Cookies.Replace(file.Cookies)
	s.Cookies.Sort()
	return s, nil
}

func (r *Repository) readFile(p string) ([]byte, error) {
	f, err := r.fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (r *Repository) warnUnknownKinds() error {
	entries, err := r.fs.ReadDir(sitesDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		i := sort.SearchStrings(r.kinds, e.Name())
		if e.IsDir() && (i == len(r.kinds) || r.kinds[i] != e.Name()) {
			r.logger.Warn("Ignoring records of unknown site kind.", zap.String("kind", e.Name()))
		}
	}
	return nil
}

// SaveSites rewrites the sites directory from sites, then commits and pushes
// when anything changed. Records of unknown kinds on disk are dropped, as in
// a full rewrite.
func (r *Repository) SaveSites(ctx context.Context, sites []*site.Site) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open(ctx)
	if err != nil {
		return err
	}

	if err := util.RemoveAll(r.fs, sitesDir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", sitesDir, err)
	}
	for _, s := range sites {
		if err := r.writeSite(s); err != nil {
			return err
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := stageAll(wt); err != nil {
		return fmt.Errorf("failed to stage site records: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return err
	}
	if status.IsClean() {
		r.logger.Info("Site records unchanged, nothing to commit.")
		return nil
	}

	now := r.now().Truncate(time.Second)
	hash, err := wt.Commit(commitPrefix+now.UTC().Format(time.RFC3339), &git.CommitOptions{
		Author: &object.Signature{Name: r.cfg.AuthorName, Email: r.cfg.AuthorEmail, When: now},
	})
	if err != nil {
		return fmt.Errorf("failed to commit site records: %w", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	branch := plumbing.NewBranchReferenceName(r.cfg.Branch)
	err = repo.PushContext(pushCtx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(branch + ":" + branch)},
		Auth:       r.auth(),
		Progress:   newProgressLogger(r.logger, r.now),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push site records: %w", err)
	}
	r.logger.Info("Site records pushed.", zap.String("commit", hash.String()), zap.Int("sites", len(sites)))
	return nil
}

func (r *Repository) writeSite(s *site.Site) error {
	login := s.Auth.Login
	if login == "" || login != path.Base(login) || strings.ContainsAny(login, `/\`) || login == "." || login == ".." {
		return fmt.Errorf("cannot store site %s: login %q is not a valid file name", s.Kind, login)
	}

	records := s.Cookies.Records()
	if records == nil {
		records = []cookies.Record{}
	}
	cookies.Sort(records)
	file := siteFile{
		Auth:               s.Auth,
		Cookies:            records,
		LastCleanTimestamp: s.LastCleanTimestamp.UTC().Format(time.RFC3339),
	}
	data, err := codec.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode site %s: %w", s.Name(), err)
	}

	dir := path.Join(sitesDir, s.Kind)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return util.WriteFile(r.fs, path.Join(dir, login+".json"), data, 0o644)
}

// stageAll stages every change in the worktree, removals included.
func stageAll(wt *git.Worktree) error {
	status, err := wt.Status()
	if err != nil {
		return err
	}
	for name, st := range status {
		if st.Worktree == git.Deleted {
			if _, err := wt.Remove(name); err != nil {
				return err
			}
		}
	}
	return wt.AddWithOptions(&git.AddOptions{All: true})
}

// open clones the repository on first use.
func (r *Repository) open(ctx context.Context) (*git.Repository, error) {
	if r.repo != nil {
		return r.repo, nil
	}

	dir, err := os.MkdirTemp("", "coupon-clipper-data-")
	if err != nil {
		return nil, fmt.Errorf("failed to create clone directory: %w", err)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	r.logger.Debug("Cloning data repository.", zap.String("repository", redact(r.cfg.Repository)), zap.String("branch", r.cfg.Branch))
	repo, err := git.PlainCloneContext(cloneCtx, dir, false, &git.CloneOptions{
		URL:           r.cfg.Repository,
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(r.cfg.Branch),
		SingleBranch:  true,
		Tags:          git.NoTags,
		Auth:          r.auth(),
		Progress:      newProgressLogger(r.logger, r.now),
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to clone data repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	r.dir, r.repo, r.fs = dir, repo, wt.Filesystem
	return repo, nil
}

// Close removes the local clone.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dir == "" {
		return nil
	}
	err := os.RemoveAll(r.dir)
	r.dir, r.repo, r.fs = "", nil, nil
	return err
}

func (r *Repository) auth() transport.AuthMethod {
	if r.token == "" {
		return nil
	}
	u, err := url.Parse(r.cfg.Repository)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	return &githttp.BasicAuth{Username: tokenUsername, Password: r.token}
}

// redact drops credentials embedded in a repository URL.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
