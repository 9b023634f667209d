// Package gitsrc wraps the controller's local source repository. OTA builds
// pin an exact commit: a tag or hash from the backend is resolved against
// the tree, the worktree is force-reset to it, and the container build runs
// against the result.
package gitsrc

import (
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
)

type Client struct {
	repoPath string
	log      zerolog.Logger
}

// New points the client at the controller source tree. repoPath may be the
// worktree root or its .git directory.
func New(repoPath string, log zerolog.Logger) *Client {
	return &Client{repoPath: repoPath, log: log}
}

func (c *Client) open() (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(c.repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", c.repoPath, err)
	}
	return repo, nil
}

// ResolveVersion maps a tag name or commit hash to the full commit hash.
// Tags win over hashes, matching how versions are published.
func (c *Client) ResolveVersion(hashOrTag string) (string, error) {
	repo, err := c.open()
	if err != nil {
		return "", err
	}

	if hash, err := c.commitForTag(repo, hashOrTag); err == nil {
		return hash, nil
	}

	hash := plumbing.NewHash(hashOrTag)
	if _, err := repo.CommitObject(hash); err != nil {
		return "", fmt.Errorf("version %q is neither a known tag nor a commit", hashOrTag)
	}
	return hash.String(), nil
}

func (c *Client) commitForTag(repo *git.Repository, tag string) (string, error) {
	ref, err := repo.ResolveRevision(plumbing.Revision("refs/tags/" + tag))
	if err != nil {
		return "", err
	}
	// Annotated tags resolve to the tag object; peel to the commit.
	if tagObj, err := repo.TagObject(*ref); err == nil {
		commit, err := tagObj.Commit()
		if err != nil {
			return "", err
		}
		return commit.Hash.String(), nil
	}
	return ref.String(), nil
}

// VerifyExists reports whether the revision names a commit in the tree.
func (c *Client) VerifyExists(rev string) bool {
	_, err := c.ResolveVersion(rev)
	return err == nil
}

// CurrentCommit returns the hash HEAD points at.
func (c *Client) CurrentCommit() (string, error) {
	repo, err := c.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// Fetch updates refs and tags from the default remote. An already
// up-to-date tree is a success.
func (c *Client) Fetch() error {
	repo, err := c.open()
	if err != nil {
		return err
	}
	err = repo.Fetch(&git.FetchOptions{Tags: git.AllTags})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// ResetTo force-checks-out the commit, hard-resets, and removes untracked
// files and directories. The worktree afterwards is exactly the commit's
// tree; a build from it is reproducible.
func (c *Client) ResetTo(commit string) error {
	repo, err := c.open()
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	hash := plumbing.NewHash(commit)
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", commit, err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: hash}); err != nil {
		return fmt.Errorf("reset %s: %w", commit, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean: %w", err)
	}

	c.log.Info().Str("commit", commit).Msg("source tree reset")
	return nil
}
