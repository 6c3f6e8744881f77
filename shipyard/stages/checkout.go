package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

const defaultCloneDepth = 1

func referenceName(ref string) plumbing.ReferenceName {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}

// checkout shallow-clones the repository into the workdir, or pulls when
// a previous run already cloned it. Without a repository URL the workdir
// is used as it is.
func (b *Builder) checkout(ctx context.Context, run *models.Run) error {
	l := log.FromContext(ctx)

	if b.Clone.Skip || b.RepoURL == "" {
		if _, err := os.Stat(b.Workdir); err != nil {
			return fmt.Errorf("workdir: %w", err)
		}
		l.Info("clone skipped, using workdir", "workdir", b.Workdir)
		return nil
	}

	depth := b.Clone.Depth
	if depth <= 0 {
		depth = defaultCloneDepth
	}

	_, err := git.PlainCloneContext(ctx, b.Workdir, false, &git.CloneOptions{
		URL:           b.RepoURL,
		Depth:         depth,
		SingleBranch:  true,
		ReferenceName: referenceName(b.Ref),
		Progress:      run.Stdout(),
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	repo, err := git.PlainOpen(b.Workdir)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: referenceName(b.Ref),
		SingleBranch:  true,
		Depth:         depth,
		Force:         true,
		Progress:      run.Stdout(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to pull: %w", err)
	}
	return nil
}
