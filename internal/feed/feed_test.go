package feed

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByTableAndKey(t *testing.T) {
	h := NewHub(nil)
	var got []Change
	unsub, err := h.Subscribe("tasks", Filter{Column: "project_id", Value: "p1"}, func(c Change) {
		got = append(got, c)
	})
	require.NoError(t, err)

	h.Publish(Change{Table: "tasks", Type: Insert, Keys: map[string]string{"id": "1", "project_id": "p1"}})
	h.Publish(Change{Table: "tasks", Type: Insert, Keys: map[string]string{"id": "2", "project_id": "p2"}})
	h.Publish(Change{Table: "project_members", Type: Insert, Keys: map[string]string{"project_id": "p1"}})
	last := h.Publish(Change{Table: "tasks", Type: Delete, Keys: map[string]string{"id": "1", "project_id": "p1"}})

	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].Seq)
	require.Equal(t, int64(4), last.Seq)
	require.Equal(t, last.Seq, h.Seq())

	unsub()
	unsub()
	h.Publish(Change{Table: "tasks", Type: Update, Keys: map[string]string{"project_id": "p1"}})
	require.Len(t, got, 2)
}

func TestSubscribeValidates(t *testing.T) {
	h := NewHub(nil)
	_, err := h.Subscribe("", Filter{}, func(Change) {})
	require.Error(t, err)
	_, err = h.Subscribe("tasks", Filter{}, nil)
	require.Error(t, err)
}

func TestSinceReplaysRetainedHistory(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < defaultHistory+10; i++ {
		h.Publish(Change{Table: "tasks", Type: Update, Keys: map[string]string{"id": fmt.Sprint(i), "project_id": "p1"}})
	}
	all := h.Since("tasks", Filter{}, 0)
	require.Len(t, all, defaultHistory)
	require.Equal(t, int64(11), all[0].Seq, "oldest entries are evicted")

	tail := h.Since("tasks", Filter{Column: "project_id", Value: "p1"}, h.Seq()-3)
	require.Len(t, tail, 3)
	require.Empty(t, h.Since("tasks", Filter{Column: "project_id", Value: "p2"}, 0))
	require.Empty(t, h.Since("members", Filter{}, 0))

	require.True(t, h.Retains(h.Seq()))
	require.True(t, h.Retains(10), "seq 11 onward is held")
	require.False(t, h.Retains(9), "seq 10 was evicted")
	require.False(t, h.Retains(h.Seq()+1), "never issued")
}

func TestRetainsOnFreshHub(t *testing.T) {
	h := NewHub(nil)
	require.True(t, h.Retains(0))
	require.False(t, h.Retains(5))
	h.Publish(Change{Table: "tasks", Type: Insert})
	require.True(t, h.Retains(0))
}

func TestFilterMatch(t *testing.T) {
	c := Change{Keys: map[string]string{"status": "todo"}}
	require.True(t, Filter{}.Match(c))
	require.True(t, Filter{Column: "status", Value: "todo"}.Match(c))
	require.False(t, Filter{Column: "status", Value: "done"}.Match(c))
}
