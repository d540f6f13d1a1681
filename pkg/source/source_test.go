package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/log-sentinel/pkg/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func texts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func newTestReader(t *testing.T, content string) (*LocalReader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, content)
	return NewLocalReader(types.NewLocalSource(path), Options{}), path
}

func TestReadNewFromStart(t *testing.T) {
	r, _ := newTestReader(t, "one\ntwo\r\nthree\npart")

	res, err := r.ReadNew(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two", "three"}, texts(res.Lines))
	assert.Equal(t, []int64{0, 4, 9}, []int64{res.Lines[0].Offset, res.Lines[1].Offset, res.Lines[2].Offset})
	assert.Equal(t, int64(15), res.Checkpoint.Offset, "offset must stop before the partial line")
	assert.Equal(t, r.Source().ID, res.Checkpoint.SourceID)
	assert.False(t, res.Rotated)
}

func TestReadNewIsIncremental(t *testing.T) {
	r, path := newTestReader(t, "a\nb\n")
	ctx := context.Background()

	first, err := r.ReadNew(ctx, nil)
	require.NoError(t, err)
	require.Len(t, first.Lines, 2)

	again, err := r.ReadNew(ctx, &first.Checkpoint)
	require.NoError(t, err)
	assert.Empty(t, again.Lines)
	assert.Equal(t, first.Checkpoint.Offset, again.Checkpoint.Offset)

	appendFile(t, path, "c\nd")
	second, err := r.ReadNew(ctx, &again.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, texts(second.Lines))
	assert.Equal(t, int64(4), second.Lines[0].Offset)
	assert.GreaterOrEqual(t, second.Checkpoint.Offset, first.Checkpoint.Offset)

	appendFile(t, path, "one\n")
	third, err := r.ReadNew(ctx, &second.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, texts(third.Lines), "held back partial line is completed")
	assert.False(t, third.Rotated, "growth of a short file is not rotation")
}

func TestReadNewDetectsTruncation(t *testing.T) {
	r, path := newTestReader(t, "first line\nsecond line\n")
	ctx := context.Background()

	first, err := r.ReadNew(ctx, nil)
	require.NoError(t, err)

	writeFile(t, path, "new\n")
	res, err := r.ReadNew(ctx, &first.Checkpoint)
	require.NoError(t, err)
	assert.True(t, res.Rotated)
	assert.Equal(t, []string{"new"}, texts(res.Lines))
	assert.Equal(t, int64(4), res.Checkpoint.Offset)
}

func TestReadNewDetectsReplacementWithLargerFile(t *testing.T) {
	r, path := newTestReader(t, "old-1\n")
	ctx := context.Background()

	first, err := r.ReadNew(ctx, nil)
	require.NoError(t, err)

	// a new file that is already longer than the old offset
	require.NoError(t, os.Remove(path))
	writeFile(t, path, "fresh-1\nfresh-2\n")

	res, err := r.ReadNew(ctx, &first.Checkpoint)
	require.NoError(t, err)
	assert.True(t, res.Rotated)
	assert.Equal(t, []string{"fresh-1", "fresh-2"}, texts(res.Lines))
}

func TestReadNewDetectsModTimeGoingBackwards(t *testing.T) {
	r, path := newTestReader(t, "line\n")
	ctx := context.Background()

	first, err := r.ReadNew(ctx, nil)
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	res, err := r.ReadNew(ctx, &first.Checkpoint)
	require.NoError(t, err)
	assert.True(t, res.Rotated)
	assert.Equal(t, []string{"line"}, texts(res.Lines))
}

func TestReadNewHonoursReadBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	writeFile(t, path, "aaa\nbbb\nccc\nddd\n")
	r := NewLocalReader(types.NewLocalSource(path), Options{MaxReadBytes: 10})
	ctx := context.Background()

	var all []string
	var cp *types.Checkpoint
	for i := 0; i < 4; i++ {
		res, err := r.ReadNew(ctx, cp)
		require.NoError(t, err)
		all = append(all, texts(res.Lines)...)
		cp = &res.Checkpoint
	}
	assert.Equal(t, []string{"aaa", "bbb", "ccc", "ddd"}, all)
	assert.Equal(t, int64(16), cp.Offset)
}

func TestReadNewSplitsOverlongLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "long.log")
	writeFile(t, path, strings.Repeat("x", 12)+"\n")
	r := NewLocalReader(types.NewLocalSource(path), Options{MaxReadBytes: 5})

	res, err := r.ReadNew(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "xxxxx", res.Lines[0].Text)
	assert.Equal(t, int64(5), res.Checkpoint.Offset)
}

func TestReadNewKeepsInvalidUTF8(t *testing.T) {
	r, _ := newTestReader(t, "bad \xff\xfe bytes\n")

	res, err := r.ReadNew(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "bad \xff\xfe bytes", res.Lines[0].Text)
}

func TestReadNewFailuresAreSourceUnavailable(t *testing.T) {
	missing := NewLocalReader(types.NewLocalSource(filepath.Join(t.TempDir(), "gone.log")), Options{})
	_, err := missing.ReadNew(context.Background(), nil)
	require.Error(t, err)

	var unavailableErr *types.SourceUnavailableError
	require.True(t, errors.As(err, &unavailableErr))
	assert.Equal(t, missing.Source().ID, unavailableErr.SourceID)
	assert.Equal(t, "stat", unavailableErr.Op)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	dir := NewLocalReader(types.NewLocalSource(t.TempDir()), Options{})
	_, err = dir.ReadNew(context.Background(), nil)
	assert.True(t, types.IsSourceUnavailable(err))

	r, _ := newTestReader(t, "x\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.ReadNew(ctx, nil)
	assert.True(t, types.IsSourceUnavailable(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		want     []string
		consumed int64
	}{
		{"empty", "", nil, 0},
		{"only partial", "abc", nil, 0},
		{"blank lines", "\n\n", []string{"", ""}, 2},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}, 6},
		{"trailing partial", "a\nb", []string{"a"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, consumed := splitLines([]byte(tt.data), 100, false)
			if tt.want == nil {
				assert.Empty(t, lines)
			} else {
				assert.Equal(t, tt.want, texts(lines))
				assert.Equal(t, int64(100), lines[0].Offset)
			}
			assert.Equal(t, tt.consumed, consumed)
		})
	}
}
