package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writePatternFile(t *testing.T, path, kind, rule string) {
	t.Helper()
	content := "- kind: " + kind + "\n  rule: " + rule + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcher_LoadsOnStart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "patterns.yaml")
	writePatternFile(t, path, "ticket", `TCK-[0-9]{6}`)

	sc := New(nil, zap.NewNop())
	w := NewWatcher(path, time.Hour, sc, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	patterns := sc.Patterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, "ticket", patterns[0].Kind)

	redacted, matches := sc.Scan("see TCK-123456 for details")
	require.Len(t, matches, 1)
	assert.Equal(t, "see <REDACTED:ticket> for details", redacted)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "patterns.yaml")
	writePatternFile(t, path, "old_kind", `old-[0-9]+`)

	sc := New(nil, zap.NewNop())
	w := NewWatcher(path, 10*time.Millisecond, sc, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Rewrite with a bumped mtime so the poll picks it up.
	writePatternFile(t, path, "new_kind", `new-[0-9]+`)
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		patterns := sc.Patterns()
		return len(patterns) == 1 && patterns[0].Kind == "new_kind"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_BrokenFileKeepsPreviousSet(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "patterns.yaml")
	writePatternFile(t, path, "keep_me", `KEEP-[0-9]+`)

	sc := New(nil, zap.NewNop())
	w := NewWatcher(path, 10*time.Millisecond, sc, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("- kind: bad\n  rule: '['\n"), 0o600))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	time.Sleep(100 * time.Millisecond)
	patterns := sc.Patterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, "keep_me", patterns[0].Kind)
}

func TestWatcher_MissingFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	sc := New(nil, zap.NewNop())
	before := len(sc.Patterns())

	w := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), time.Hour, sc, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	w.Stop()

	assert.Len(t, sc.Patterns(), before)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "patterns.yaml")
	writePatternFile(t, path, "k", `k-[0-9]+`)

	w := NewWatcher(path, time.Hour, New(nil, zap.NewNop()), zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
