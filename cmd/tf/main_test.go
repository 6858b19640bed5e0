package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"teamflow/internal/app"
	"teamflow/internal/boardsync"
	"teamflow/internal/engine"
)

var commandsOnce sync.Once

// runTF executes the CLI with args and returns what it wrote to stdout.
func runTF(t *testing.T, args ...string) (string, error) {
	t.Helper()
	commandsOnce.Do(func() {
		addPersistentFlags()
		registerCommands()
	})
	var out bytes.Buffer
	stdout = &out
	t.Cleanup(func() { stdout = os.Stdout })
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// seedWorkspace creates project p1 owned by ann with tasks a, b and c.
func seedWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	s, err := app.Open(ctx, app.Options{Workspace: dir})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "p1", Name: "Launch", OwnerID: "ann"})
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Engine.CreateTask(ctx, engine.TaskCreateOptions{ID: id, ProjectID: "p1", Title: "task " + id, CreatorID: "ann"})
		require.NoError(t, err)
	}
	return dir
}

func decodeOutput(t *testing.T, out string) map[string]any {
	t.Helper()
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got), out)
	return got
}

func TestReportBulk(t *testing.T) {
	var out bytes.Buffer
	stdout = &out
	t.Cleanup(func() { stdout = os.Stdout })

	require.NoError(t, reportBulk(nil, 2))
	require.Equal(t, "2 of 2 done\n", out.String())

	out.Reset()
	failed := &boardsync.BulkError{Total: 3, Completed: []string{"a"}, FailedID: "b", Err: boardsync.ErrWIPLimitReached}
	err := reportBulk(failed, 3)
	require.ErrorIs(t, err, boardsync.ErrWIPLimitReached)
	require.Equal(t, "1 of 3 done before b failed\n", out.String())

	out.Reset()
	plain := errors.New("load board")
	require.Equal(t, plain, reportBulk(plain, 3))
	require.Empty(t, out.String())
}

func TestBulkCommandsReportProgress(t *testing.T) {
	dir := seedWorkspace(t)

	out, err := runTF(t, "-w", dir, "--user", "ann", "--project", "p1", "task", "bulk-update", "a", "b", "--priority", "high")
	require.NoError(t, err)
	require.Equal(t, "2 of 2 done\n", out)

	out, err = runTF(t, "-w", dir, "--user", "ann", "--project", "p1", "task", "bulk-delete", "c", "missing", "a")
	var bulk *boardsync.BulkError
	require.ErrorAs(t, err, &bulk)
	require.Equal(t, []string{"c"}, bulk.Completed)
	require.Equal(t, "1 of 3 done before missing failed\n", out)

	ctx := context.Background()
	s, err := app.Open(ctx, app.Options{Workspace: dir})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Repo.GetTask(ctx, "c")
	require.Error(t, err, "c was deleted")
	a, err := s.Repo.GetTask(ctx, "a")
	require.NoError(t, err, "a comes after the failure and survives")
	require.Equal(t, "high", a.Priority)
}

func TestPermCommands(t *testing.T) {
	dir := seedWorkspace(t)

	out, err := runTF(t, "-w", dir, "--user", "ann", "--project", "p1", "--json", "perm", "role")
	require.NoError(t, err)
	role := decodeOutput(t, out)
	require.Equal(t, "ann", role["user_id"])
	require.Equal(t, true, role["is_member"])
	require.Equal(t, "owner", role["project_role"])

	out, err = runTF(t, "-w", dir, "--user", "bob", "--project", "p1", "--json", "perm", "role")
	require.NoError(t, err)
	role = decodeOutput(t, out)
	require.Equal(t, false, role["is_member"])
	require.NotContains(t, role, "project_role")

	out, err = runTF(t, "-w", dir, "--user", "ann", "--project", "p1", "--json", "perm", "check", "--required", "owner,admin")
	require.NoError(t, err)
	require.Equal(t, true, decodeOutput(t, out)["allowed"])

	out, err = runTF(t, "-w", dir, "--user", "bob", "--project", "p1", "--json", "perm", "check", "--required", "owner,admin")
	require.NoError(t, err)
	require.Equal(t, false, decodeOutput(t, out)["allowed"])

	_, err = runTF(t, "-w", dir, "--user", "ann", "--project", "p1", "--json", "perm", "check", "--required", "wizard")
	require.Error(t, err)

	out, err = runTF(t, "-w", dir, "--user", "ann", "--project", "p1", "--json", "perm", "task", "a")
	require.NoError(t, err)
	perms := decodeOutput(t, out)
	require.Equal(t, true, perms["can_edit"])
	require.Equal(t, true, perms["can_delete"])

	out, err = runTF(t, "-w", dir, "--user", "bob", "--project", "p1", "--json", "perm", "task", "a")
	require.NoError(t, err)
	perms = decodeOutput(t, out)
	require.Equal(t, false, perms["can_edit"])
	require.Equal(t, false, perms["can_delete"])
}
