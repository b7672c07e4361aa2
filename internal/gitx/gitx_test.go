package gitx

import (
	"fmt"
	"strings"
	"testing"
)

type scriptRunner struct {
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func (r *scriptRunner) Run(dir string, args ...string) (string, error) {
	cmd := strings.Join(args, " ")
	r.calls = append(r.calls, cmd)
	if err, ok := r.errs[cmd]; ok {
		return "", err
	}
	return r.responses[cmd], nil
}

func TestListWorktreesPorcelain(t *testing.T) {
	out := strings.Join([]string{
		"worktree /repo",
		"HEAD aaa111",
		"branch refs/heads/main",
		"",
		"worktree /repo/.agentmux/worktrees/w1",
		"HEAD bbb222",
		"branch refs/heads/feat-1",
		"",
	}, "\n")
	r := &scriptRunner{responses: map[string]string{"worktree list --porcelain": strings.TrimSpace(out)}}
	c := NewClient("/repo", r)

	infos, err := c.ListWorktrees()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("infos = %+v", infos)
	}
	if infos[0].Path != "/repo" || infos[0].Branch != "main" || infos[0].Head != "aaa111" {
		t.Errorf("first = %+v", infos[0])
	}
	if infos[1].Branch != "feat-1" {
		t.Errorf("second = %+v", infos[1])
	}
}

func TestIsAncestor(t *testing.T) {
	r := &scriptRunner{
		responses: map[string]string{"merge-base --is-ancestor b1 main": ""},
		errs:      map[string]error{"merge-base --is-ancestor b2 main": fmt.Errorf("exit status 1")},
	}
	c := NewClient("/repo", r)

	yes, err := c.IsAncestor("b1", "main")
	if err != nil || !yes {
		t.Errorf("b1 should be ancestor: %v %v", yes, err)
	}
	no, err := c.IsAncestor("b2", "main")
	if err != nil || no {
		t.Errorf("b2 should not be ancestor: %v %v", no, err)
	}
}

func TestAddWorktreeNewBranch(t *testing.T) {
	r := &scriptRunner{
		errs: map[string]error{"show-ref --verify --quiet refs/heads/feat": fmt.Errorf("exit status 1")},
	}
	c := NewClient("/repo", r)
	if err := c.AddWorktree("/wt", "feat", "main"); err != nil {
		t.Fatal(err)
	}
	want := "worktree add -b feat /wt main"
	found := false
	for _, call := range r.calls {
		if call == want {
			found = true
		}
	}
	if !found {
		t.Errorf("calls = %v, want %q", r.calls, want)
	}
}

func TestMergeNoCommitFlags(t *testing.T) {
	r := &scriptRunner{}
	c := NewClient("/repo", r)
	if err := c.MergeNoCommit("b1", false); err != nil {
		t.Fatal(err)
	}
	if err := c.MergeNoCommit("b2", true); err != nil {
		t.Fatal(err)
	}
	if r.calls[0] != "merge --no-ff --no-commit b1" {
		t.Errorf("merge call = %q", r.calls[0])
	}
	if r.calls[1] != "merge --squash b2" {
		t.Errorf("squash call = %q", r.calls[1])
	}
}
