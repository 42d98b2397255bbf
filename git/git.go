// Package git reads the repository facts probe needs: where the working tree
// starts, which file marks branch switches, and a stable repo identity.
package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	giturls "github.com/whilp/git-urls"
)

// DetectInfo holds repository detection results.
type DetectInfo struct {
	GitRoot   string // Worktree root
	HeadPath  string // Path of the HEAD file watched for branch switches; empty for linked worktrees
	RemoteURL string // origin URL as configured, may be empty
	Branch    string // Short name of the checked out branch, empty when detached or unborn
}

// ErrNotRepository is returned when path is not inside a git repository.
var ErrNotRepository = errors.New("not a git repository")

// Detect opens the repository containing path.
func Detect(path string) (*DetectInfo, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, ErrNotRepository
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	root := wt.Filesystem.Root()

	info := &DetectInfo{GitRoot: root}

	// A linked worktree has a .git file instead of a directory; its HEAD
	// lives elsewhere and branch switches there are caught by the sweep.
	dotGit := filepath.Join(root, ".git")
	if st, err := os.Stat(dotGit); err == nil && st.IsDir() {
		info.HeadPath = filepath.Join(dotGit, "HEAD")
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.RemoteURL = urls[0]
		}
	}

	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	return info, nil
}

// IsGitRepo returns true if the given path is within a git repository.
func IsGitRepo(path string) bool {
	_, err := Detect(path)
	return err == nil
}

// RepoID returns a stable repository identity for the project at root: the
// normalized origin URL (host/owner/name) when one exists, otherwise the
// directory name.
func RepoID(root string) string {
	info, err := Detect(root)
	if err == nil && info.RemoteURL != "" {
		if id, err := NormalizeRemote(info.RemoteURL); err == nil {
			return id
		}
		return info.RemoteURL
	}
	return filepath.Base(filepath.Clean(root))
}

// NormalizeRemote turns ssh, scp-style and https remotes into host/path form
// so that clones of the same repository share a repo id.
func NormalizeRemote(remoteURL string) (string, error) {
	u, err := giturls.Parse(remoteURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse git URL: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		host = u.Host
	}

	p := strings.TrimPrefix(u.Path, "/")
	p = strings.TrimSuffix(p, ".git")
	if host == "" {
		return p, nil
	}
	return host + "/" + p, nil
}
