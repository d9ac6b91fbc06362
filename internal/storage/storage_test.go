package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcbot/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "state", "rcbot.db")
			ctx := context.Background()

			st := openDriver(t, driver, path)
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				require.NoError(t, st.AppendAnnouncement(ctx, Announcement{
					At: base.Add(time.Duration(i) * time.Minute), Feed: "wiki", ChatID: 42, Text: fmt.Sprintf("line %d", i),
				}))
			}
			require.NoError(t, st.AppendAnnouncement(ctx, Announcement{At: base, Feed: "other", Text: "x"}))

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k1", until))
			require.NoError(t, st.PutDedup(ctx, "", until))
			require.NoError(t, st.Close())

			// Everything survives a reopen.
			st = openDriver(t, driver, path)
			defer st.Close()

			got, err := st.RecentAnnouncements(ctx, "wiki", 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "line 2", got[0].Text)
			assert.Equal(t, "line 4", got[2].Text)
			assert.Equal(t, int64(42), got[2].ChatID)
			assert.True(t, got[2].At.Equal(base.Add(4*time.Minute)))

			u, ok, err := st.GetDedup(ctx, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, u.Equal(until), "%v != %v", u, until)

			_, ok, err = st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStoreDropsExpiredDedupOnOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rcbot.json")
	ctx := context.Background()

	st := openDriver(t, "file", path)
	require.NoError(t, st.PutDedup(ctx, "old", time.Now().Add(-time.Minute)))
	require.NoError(t, st.Close())

	st = openDriver(t, "file", path)
	defer st.Close()
	_, ok, err := st.GetDedup(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreWarnsOnCorruptDedupState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	until := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rcbot.dedup.snapshot.json"), []byte("{not json"), 0o600))
	journal := fmt.Sprintf("{\"key\":\"k1\",\"until\":%d}\ngarbage\n\n", until)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rcbot.dedup.journal.jsonl"), []byte(journal), 0o600))

	var buf bytes.Buffer
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "rcbot")}, logx.NewWriter(&buf, "debug"))
	require.NoError(t, err)
	defer st.Close()

	logs := buf.String()
	assert.Contains(t, logs, "dedup snapshot unreadable")
	assert.Contains(t, logs, "dedup journal has malformed records")
	assert.Contains(t, logs, `"skipped":1`)

	// the readable journal record still applies
	_, ok, err := st.GetDedup(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}
