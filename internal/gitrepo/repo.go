package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// Info describes the state of a repository's working tree.
type Info struct {
	// Root is the absolute path of the working tree.
	Root string `json:"root"`

	// Branch is the short branch name, or empty on a detached HEAD.
	Branch string `json:"branch,omitempty"`

	// Commit is the full SHA that HEAD points to.
	Commit string `json:"commit"`

	// Remote is the URL of the "origin" remote, if any.
	Remote string `json:"remote,omitempty"`
}

// Name returns the directory name of the working tree.
func (i *Info) Name() string {
	return filepath.Base(i.Root)
}

// Inspect opens the repository containing path (searching parent
// directories, like git itself) and reports its root, branch and HEAD.
//
// Returns a CLIError with ExitGitError if path is not inside a repository
// or the repository has no commits.
func Inspect(path string) (*Info, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGitError, "failed to resolve repository path", err)
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGitError, fmt.Sprintf("not inside a Git repository: %s", abs), err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGitError, "repository has no working tree", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGitError, "failed to resolve HEAD (does the repository have commits?)", err)
	}

	info := &Info{
		Root:   wt.Filesystem.Root(),
		Commit: head.Hash().String(),
	}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}
	if remote, err := repo.Remote("origin"); err == nil && len(remote.Config().URLs) > 0 {
		info.Remote = remote.Config().URLs[0]
	}
	return info, nil
}

// CloneOptions controls Clone.
type CloneOptions struct {
	// URL is a remote URL or a local repository path.
	URL string

	// Dir is the destination directory. It must not already hold a repository.
	Dir string

	// Ref is a branch name or a full reference name ("refs/tags/v1").
	// Empty clones the remote HEAD.
	Ref string

	// Commit, when set, is checked out (detached) after cloning.
	Commit string

	// Depth limits fetched history. Zero fetches everything.
	Depth int

	// Progress receives the remote's progress output. May be nil.
	Progress io.Writer
}

// ReferenceName converts a user-supplied ref into a full reference name.
// Bare names are treated as branches.
func ReferenceName(ref string) plumbing.ReferenceName {
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}

// Clone clones opts.URL into opts.Dir and returns the checked-out commit.
func Clone(ctx context.Context, opts CloneOptions) (string, error) {
	if opts.URL == "" {
		return "", errors.New("clone: repository URL is empty")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Dir), 0o755); err != nil {
		return "", fmt.Errorf("clone: create parent directory: %w", err)
	}

	cloneOptions := &git.CloneOptions{URL: opts.URL, Progress: opts.Progress}
	if opts.Ref != "" {
		cloneOptions.ReferenceName = ReferenceName(opts.Ref)
		cloneOptions.SingleBranch = true
	}
	if opts.Depth > 0 && opts.Commit == "" {
		cloneOptions.Depth = opts.Depth
	}

	var (
		repo *git.Repository
		err  error
	)
	if opts.Commit != "" {
		repo, err = fetchCommit(ctx, opts)
	} else {
		repo, err = git.PlainCloneContext(ctx, opts.Dir, false, cloneOptions)
	}
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", opts.URL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("clone %s: resolve HEAD: %w", opts.URL, err)
	}
	return head.Hash().String(), nil
}

// checkoutRef holds the pinned commit in clones made by fetchCommit.
const checkoutRef = "refs/pipeline/checkout"

// fetchCommit initializes opts.Dir, fetches opts.Commit from opts.URL and
// checks it out on a detached HEAD.
//
// A plain clone only fetches branches and tags, so a commit that no branch
// reaches (a detached HEAD, e.g. a pull request merge commit) would be
// missing. The remote's HEAD is therefore fetched alongside the branches,
// and if the commit is still absent it is requested by hash.
func fetchCommit(ctx context.Context, opts CloneOptions) (*git.Repository, error) {
	repo, err := git.PlainInit(opts.Dir, false)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{opts.URL},
	}); err != nil {
		return nil, fmt.Errorf("create remote: %w", err)
	}

	var specs []config.RefSpec
	if opts.Ref != "" {
		name := ReferenceName(opts.Ref)
		specs = append(specs, config.RefSpec(fmt.Sprintf("+%s:%s", name,
			plumbing.NewRemoteReferenceName(git.DefaultRemoteName, name.Short()))))
	} else {
		specs = append(specs,
			config.RefSpec(fmt.Sprintf(config.DefaultFetchRefSpec, git.DefaultRemoteName)),
			config.RefSpec("+HEAD:"+checkoutRef),
		)
	}
	if err := fetch(ctx, repo, specs, opts.Progress); err != nil {
		return nil, err
	}

	hash := plumbing.NewHash(opts.Commit)
	if _, err := repo.CommitObject(hash); err != nil {
		exact := config.RefSpec(fmt.Sprintf("+%s:%s", opts.Commit, checkoutRef))
		if err := fetch(ctx, repo, []config.RefSpec{exact}, opts.Progress); err != nil {
			return nil, fmt.Errorf("fetch commit %s: %w", opts.Commit, err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash}); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", opts.Commit, err)
	}
	return repo, nil
}

func fetch(ctx context.Context, repo *git.Repository, specs []config.RefSpec, progress io.Writer) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   specs,
		Progress:   progress,
		Tags:       git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}
