package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %s (%v)", args, out, err)
	}
	return string(out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "init")
	return dir
}

func TestRepoNameFromURLHTTPS(t *testing.T) {
	cases := map[string]string{
		"https://github.com/owner/repo.git": "owner/repo",
		"https://github.com/owner/repo":     "owner/repo",
	}
	for url, want := range cases {
		if got := repoNameFromURL(url); got != want {
			t.Errorf("repoNameFromURL(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestRepoNameFromURLSSH(t *testing.T) {
	if got := repoNameFromURL("git@github.com:owner/repo.git"); got != "owner/repo" {
		t.Errorf("got %q, want owner/repo", got)
	}
}

func TestParsePorcelainMarksFirstAsMain(t *testing.T) {
	output := "worktree /repo\nHEAD abc123\nbranch refs/heads/main\n\n" +
		"worktree /repo/.worktrees/feature\nHEAD def456\nbranch refs/heads/feature\n\n"

	got := parsePorcelain(output)
	if len(got) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(got))
	}
	if !got[0].IsMain || got[0].Path != "/repo" || got[0].Branch != "main" || got[0].Head != "abc123" {
		t.Errorf("unexpected main descriptor: %+v", got[0])
	}
	if got[1].IsMain || got[1].Path != "/repo/.worktrees/feature" || got[1].Branch != "feature" || got[1].Head != "def456" {
		t.Errorf("unexpected linked descriptor: %+v", got[1])
	}
}

func TestParsePorcelainDetachedHead(t *testing.T) {
	output := "worktree /repo\nHEAD abc123\ndetached\n\n"
	got := parsePorcelain(output)
	if len(got) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(got))
	}
	if got[0].Branch != "" {
		t.Errorf("expected empty branch for detached HEAD, got %q", got[0].Branch)
	}
}

func TestReadCopyPatterns(t *testing.T) {
	dir := t.TempDir()
	content := "# comment\n*.env\nconfig/*.json\n\ntmp/**\n"
	if err := os.WriteFile(filepath.Join(dir, ".fugue_copy"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	patterns, err := ReadCopyPatterns(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"*.env", "config/*.json", "tmp/**"}
	if len(patterns) != len(want) {
		t.Fatalf("got %v, want %v", patterns, want)
	}
	for i := range want {
		if patterns[i] != want[i] {
			t.Errorf("patterns[%d] = %q, want %q", i, patterns[i], want[i])
		}
	}
}

func TestReadCopyPatternsMissingFile(t *testing.T) {
	dir := t.TempDir()
	patterns, err := ReadCopyPatterns(dir)
	if err != nil {
		t.Fatal(err)
	}
	if patterns != nil {
		t.Errorf("expected nil patterns for missing file, got %v", patterns)
	}
}

func TestCopyPatternFilesSkipsGitAndUnmatched(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	if err := os.WriteFile(filepath.Join(src, ".fugue_copy"), []byte("*.env\nconfig/*.json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, ".env"), []byte("SECRET=1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "config", "app.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "README.md"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, ".git", "config"), []byte("git"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyPatternFiles(src, dest); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dest, ".env")); err != nil {
		t.Error(".env should have been copied")
	}
	if _, err := os.Stat(filepath.Join(dest, "config", "app.json")); err != nil {
		t.Error("config/app.json should have been copied")
	}
	if _, err := os.Stat(filepath.Join(dest, "README.md")); err == nil {
		t.Error("README.md should not have been copied")
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		t.Error(".git should not have been copied")
	}
}

func TestDetectCurrentRepoAndListWorktrees(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)

	d := NewGitDetector(nil)
	info, err := d.DetectCurrentRepo(repo)
	if err != nil {
		t.Fatalf("DetectCurrentRepo: %v", err)
	}
	wantPath, _ := filepath.EvalSymlinks(repo)
	gotPath, _ := filepath.EvalSymlinks(info.Path)
	if gotPath != wantPath {
		t.Fatalf("DetectCurrentRepo path = %q, want %q", info.Path, repo)
	}
	if info.Name != filepath.Base(repo) {
		t.Fatalf("expected repo name to fall back to directory name, got %q", info.Name)
	}

	worktrees, err := d.ListWorktrees(repo)
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	if len(worktrees) != 1 || !worktrees[0].IsMain {
		t.Fatalf("expected exactly one main worktree, got %+v", worktrees)
	}
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)

	d := NewGitDetector(nil)
	wtPath := filepath.Join(t.TempDir(), "linked")
	if err := d.CreateWorktree(repo, wtPath, "feature"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	worktrees, err := d.ListWorktrees(repo)
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	if len(worktrees) != 2 {
		t.Fatalf("expected 2 worktrees after create, got %d", len(worktrees))
	}

	if err := d.RemoveWorktree(repo, wtPath); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	worktrees, err = d.ListWorktrees(repo)
	if err != nil {
		t.Fatalf("ListWorktrees after remove: %v", err)
	}
	if len(worktrees) != 1 {
		t.Fatalf("expected 1 worktree after remove, got %d", len(worktrees))
	}
}
