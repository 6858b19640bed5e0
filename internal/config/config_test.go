package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teamflow/internal/domain"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, []string{"todo", "in_progress", "review", "done"}, cfg.Statuses())
	require.True(t, cfg.HasStatus("review"))
	require.False(t, cfg.HasStatus("blocked"))
	require.Equal(t, domain.RoleMember, cfg.DefaultRole())
	require.Equal(t, 5, cfg.Board.Columns[1].WIPLimit)
	require.True(t, cfg.Board.Columns[3].Locked)
	require.Equal(t, 24*time.Hour, cfg.Session.TTL)
	require.Equal(t, 10*time.Second, cfg.Sync.WriteTimeout)
	require.Zero(t, cfg.Access.CacheTTL)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no columns":       "board:\n  columns: []\n",
		"duplicate":        "board:\n  columns:\n    - status: a\n    - status: a\n",
		"negative wip":     "board:\n  columns:\n    - status: a\n      wip_limit: -1\n",
		"bad role":         "board:\n  columns:\n    - status: a\nroles:\n  default: superuser\n",
		"cache too long":   "board:\n  columns:\n    - status: a\naccess:\n  cache_ttl: 1m\n",
		"hook without url": "board:\n  columns:\n    - status: a\nwebhooks:\n  - events: [task_assigned]\n",
		"not yaml":         "board: [",
	}
	for name, raw := range cases {
		_, err := FromYAML([]byte(raw))
		require.Error(t, err, name)
	}

	disabled := "board:\n  columns:\n    - status: a\nwebhooks:\n  - enabled: false\n"
	_, err := FromYAML([]byte(disabled))
	require.NoError(t, err, "disabled hooks skip validation")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Board.Columns, 4, "missing file yields defaults")

	raw := "board:\n  columns:\n    - status: backlog\n      title: Backlog\n    - status: shipped\nroles:\n  default: viewer\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "teamflow.yml"), []byte(raw), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"backlog", "shipped"}, cfg.Statuses())
	require.Equal(t, domain.RoleViewer, cfg.DefaultRole())

	_, err = FromFile(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
	require.Equal(t, filepath.Join(".", "teamflow.yml"), Path(""))
}
