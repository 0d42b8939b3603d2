package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, f *Follower, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-f.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("timed out waiting for follower to drain")
			return got
		}
	}
}

// TestFollowerExactlyOnce: creating f1, appending "a\nb\n", then
// creating f2, appending "c", then closing yields exactly
// [(f1,"a"), (f1,"b"), (f2,"c")] — every byte once, in order, with the
// unterminated fragment flushed at shutdown.
func TestFollowerExactlyOnce(t *testing.T) {
	dir := t.TempDir()

	f, err := New(dir)
	require.NoError(t, err)

	f1 := filepath.Join(dir, "f1")
	require.NoError(t, os.WriteFile(f1, nil, 0o644))
	waitSettle()
	require.NoError(t, appendTo(f1, "a\nb\n"))
	waitSettle()

	f2 := filepath.Join(dir, "f2")
	require.NoError(t, os.WriteFile(f2, nil, 0o644))
	waitSettle()
	require.NoError(t, appendTo(f2, "c"))
	waitSettle()

	f.Close()

	got := collect(t, f, 5*time.Second)
	assert.Equal(t, []Event{
		{Filename: "f1", Line: "a"},
		{Filename: "f1", Line: "b"},
		{Filename: "f2", Line: "c"},
	}, got)
}

// TestFollowerFlushesFragmentOnlyOnClose checks that an unterminated
// fragment is held back while the follower is live and emitted exactly
// once at shutdown.
func TestFollowerFlushesFragmentOnlyOnClose(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir)
	require.NoError(t, err)

	p := filepath.Join(dir, "partial.log")
	require.NoError(t, os.WriteFile(p, []byte("no newline yet"), 0o644))
	waitSettle()

	select {
	case ev := <-f.Events():
		t.Fatalf("fragment emitted before close: %#v", ev)
	default:
	}

	f.Close()
	got := collect(t, f, 5*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, Event{Filename: "partial.log", Line: "no newline yet"}, got[0])
}

func TestFollowerRemoveClosesFile(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir)
	require.NoError(t, err)

	p := filepath.Join(dir, "build.log")
	require.NoError(t, os.WriteFile(p, nil, 0o644))
	waitSettle()
	require.NoError(t, appendTo(p, "build time: 00:01:02\n"))
	waitSettle()

	var got []Event
	done := make(chan struct{})
	go func() {
		for ev := range f.Events() {
			got = append(got, ev)
		}
		close(done)
	}()

	waitSettle()
	f.Remove("build.log")
	waitSettle()
	f.Close()

	<-done
	require.Len(t, got, 1)
	assert.Equal(t, "build.log", got[0].Filename)
	assert.Contains(t, got[0].Line, "build time:")
}

func appendTo(path, s string) error {
	fp, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fp.Close()
	_, err = fp.WriteString(s)
	return err
}

func waitSettle() {
	time.Sleep(100 * time.Millisecond)
}
