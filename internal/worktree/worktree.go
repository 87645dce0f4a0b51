// Package worktree detects and manages git worktrees for sessions
// (spec §3's `{path, branch, head, is_main}` descriptor). Grounded on
// the teacher's internal/git/git.go: DetectCurrentRepo's "git
// rev-parse --show-toplevel" + origin-remote name extraction,
// ListAllWorktrees's "git worktree list --porcelain" parser (extended
// here to also capture the HEAD commit, which the teacher's version
// discarded), and CopyPatternFiles's .botster_copy glob-matching
// idiom generalized to fugue's ".fugue_copy" convention.
//
// Git worktree detection is an external leaf integration per spec's
// non-goals: this package's Detector interface is what callers depend
// on, so internal/daemon can inject a real GitDetector in production
// and a fake in tests without a git binary present.
package worktree

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Descriptor mirrors session.Worktree's wire shape: a repository
// worktree's path, checked-out branch, HEAD commit, and whether it is
// the repository's original (non-linked) worktree.
type Descriptor struct {
	Path   string
	Branch string
	Head   string
	IsMain bool
}

// RepoInfo identifies a git repository root and its display name
// (derived from the origin remote, falling back to the directory name).
type RepoInfo struct {
	Path string
	Name string
}

// Detector is the capability internal/daemon depends on to resolve a
// session's repository and worktree list without hard-coding the git
// binary into every caller.
type Detector interface {
	DetectCurrentRepo(dir string) (*RepoInfo, error)
	ListWorktrees(repoPath string) ([]Descriptor, error)
}

// GitDetector shells out to the git binary. It is the production
// implementation of Detector.
type GitDetector struct {
	log *slog.Logger
}

// NewGitDetector creates a Detector backed by the git CLI.
func NewGitDetector(log *slog.Logger) *GitDetector {
	if log == nil {
		log = slog.Default()
	}
	return &GitDetector{log: log}
}

// DetectCurrentRepo finds the git repository root containing dir and
// derives a display name from its origin remote.
func (g *GitDetector) DetectCurrentRepo(dir string) (*RepoInfo, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("not in a git repository: %w", err)
	}
	repoPath := strings.TrimSpace(string(out))

	var name string
	cmd = exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = repoPath
	if out, err := cmd.Output(); err == nil {
		name = repoNameFromURL(strings.TrimSpace(string(out)))
	}
	if name == "" {
		name = filepath.Base(repoPath)
	}

	return &RepoInfo{Path: repoPath, Name: name}, nil
}

// ListWorktrees lists every worktree linked to the repository at
// repoPath, including the main one, via "git worktree list --porcelain".
func (g *GitDetector) ListWorktrees(repoPath string) ([]Descriptor, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	return parsePorcelain(string(out)), nil
}

// parsePorcelain parses "git worktree list --porcelain" output into
// Descriptors. The first block is always the repository's main
// worktree. Each block is terminated by a blank line.
func parsePorcelain(output string) []Descriptor {
	var descriptors []Descriptor
	var cur Descriptor
	first := true

	flush := func() {
		if cur.Path == "" {
			return
		}
		cur.IsMain = first
		first = false
		descriptors = append(descriptors, cur)
		cur = Descriptor{}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "":
			flush()
		}
	}
	flush()
	return descriptors
}

func repoNameFromURL(url string) string {
	url = strings.TrimSuffix(url, ".git")

	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://") {
		parts := strings.Split(url, "/")
		if len(parts) >= 2 {
			return parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
	}
	if strings.Contains(url, ":") {
		parts := strings.Split(url, ":")
		if len(parts) >= 2 {
			return parts[len(parts)-1]
		}
	}
	return ""
}

// CreateWorktree creates a new linked worktree at worktreePath on
// branch, creating the branch if it doesn't already exist.
func (g *GitDetector) CreateWorktree(repoPath, worktreePath, branch string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("creating worktree parent directory: %w", err)
	}

	var cmd *exec.Cmd
	if g.branchExists(repoPath, branch) {
		cmd = exec.Command("git", "worktree", "add", worktreePath, branch)
	} else {
		cmd = exec.Command("git", "worktree", "add", "-b", branch, worktreePath)
	}
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("creating worktree: %s (%w)", string(out), err)
	}

	if err := CopyPatternFiles(repoPath, worktreePath); err != nil {
		g.log.Warn("failed to copy .fugue_copy patterns", "error", err)
	}
	return nil
}

func (g *GitDetector) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// RemoveWorktree removes a linked worktree, falling back to pruning
// and a manual directory removal if the git command fails.
func (g *GitDetector) RemoveWorktree(repoPath, worktreePath string) error {
	cmd := exec.Command("git", "worktree", "remove", worktreePath, "--force")
	cmd.Dir = repoPath
	if err := cmd.Run(); err == nil {
		return nil
	}

	prune := exec.Command("git", "worktree", "prune")
	prune.Dir = repoPath
	_ = prune.Run()

	if _, err := os.Stat(worktreePath); err == nil {
		return os.RemoveAll(worktreePath)
	}
	return nil
}

// ReadCopyPatterns reads .fugue_copy from repoPath: one glob pattern
// per line, blank lines and "#"-comments skipped.
func ReadCopyPatterns(repoPath string) ([]string, error) {
	path := filepath.Join(repoPath, ".fugue_copy")
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening .fugue_copy: %w", err)
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	return patterns, scanner.Err()
}

// CopyPatternFiles copies every file under sourceRepo matching one of
// .fugue_copy's glob patterns into the equivalent path under destWorktree.
func CopyPatternFiles(sourceRepo, destWorktree string) error {
	patterns, err := ReadCopyPatterns(sourceRepo)
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		return nil
	}

	var globs []glob.Glob
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			slog.Warn("invalid glob pattern in .fugue_copy", "pattern", pattern, "error", err)
			continue
		}
		globs = append(globs, g)
	}
	if len(globs) == 0 {
		return nil
	}

	return filepath.Walk(sourceRepo, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(sourceRepo, path)
		if err != nil {
			return nil
		}

		for _, g := range globs {
			if !g.Match(relPath) {
				continue
			}
			destPath := filepath.Join(destWorktree, relPath)
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				slog.Warn("failed to create directory", "path", filepath.Dir(destPath), "error", err)
				break
			}
			if err := copyFile(path, destPath); err != nil {
				slog.Warn("failed to copy file", "src", path, "dest", destPath, "error", err)
			}
			break
		}
		return nil
	})
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, info.Mode())
}
