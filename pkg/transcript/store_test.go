package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_AppendLoad(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append("run-1", Message{Role: "user", Content: "hello"}))
	require.NoError(t, s.Append("run-1", Message{Role: "assistant", Content: "hi there"}))

	msgs, err := s.Load("run-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.False(t, msgs[0].Timestamp.IsZero())
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestStore_LoadMissingIsEmpty(t *testing.T) {
	s := newTestStore(t)

	msgs, err := s.Load("never-written")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_LoadSkipsCorruptLines(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append("run-1", Message{Role: "user", Content: "first"}))

	f, err := os.OpenFile(s.path("run-1"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Append("run-1", Message{Role: "assistant", Content: "second"}))

	msgs, err := s.Load("run-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestStore_Rewrite(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append("run-1", Message{Role: "user", Content: "turn"}))
	}

	summary := []Message{{Role: "assistant", Content: "summary of prior turns", Timestamp: time.Now()}}
	require.NoError(t, s.Rewrite("run-1", summary))

	msgs, err := s.Load("run-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "summary of prior turns", msgs[0].Content)

	// No temp file left behind.
	_, err = os.Stat(filepath.Join(s.dir, "run-1.jsonl.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append("run-1", Message{Role: "user", Content: "hello"}))
	require.NoError(t, s.Delete("run-1"))

	msgs, err := s.Load("run-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Deleting again is a no-op.
	require.NoError(t, s.Delete("run-1"))
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append("run-a", Message{Role: "user", Content: "x"}))
	require.NoError(t, s.Append("run-b", Message{Role: "user", Content: "y"}))

	ids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-a", "run-b"}, ids)
}

func TestStore_RejectsBadRunIDs(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"", "../escape", "a/b", `a\b`, "nul\x00byte"} {
		assert.Error(t, s.Append(id, Message{Role: "user", Content: "x"}), "id %q", id)
		_, err := s.Load(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestStore_AppendValidatesMessage(t *testing.T) {
	s := newTestStore(t)

	assert.Error(t, s.Append("run-1", Message{Content: "no role"}))
	assert.Error(t, s.Append("run-1", Message{Role: "user"}))
}
