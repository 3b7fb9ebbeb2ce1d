package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

func openStore(t *testing.T, maxRows int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history", "history.db"), maxRows)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 0)

	cmd := command.Command{Name: "send_keys", ID: "c1", Params: command.Params{"selector": "#q", "value": "hi"}}
	ok := command.Success(cmd, true)
	ok.Duration = 120 * time.Millisecond
	require.NoError(t, s.Record(ctx, FromResult(cmd, ok, "T1")))

	bad := command.Command{Name: "click_element", ID: "c2", Params: command.Params{"selector": "#missing"}}
	fail := command.Failure(bad, relayerr.New(relayerr.ElementNotFound, "no element matches #missing"))
	require.NoError(t, s.Record(ctx, FromResult(bad, fail, "T1")))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "c2", all[0].CommandID, "newest first")
	require.Equal(t, "ElementNotFound", all[0].ErrorCode)
	require.Contains(t, all[0].ErrorMessage, "#missing")
	require.Equal(t, command.StatusError, all[0].Status)

	require.Equal(t, "hi", all[1].Params["value"])
	require.Equal(t, 120*time.Millisecond, all[1].Duration)
	require.Equal(t, "T1", all[1].Target)

	errs, err := s.List(ctx, Filter{Status: command.StatusError})
	require.NoError(t, err)
	require.Len(t, errs, 1)

	named, err := s.List(ctx, Filter{Name: "send_keys", Limit: 5})
	require.NoError(t, err)
	require.Len(t, named, 1)
	require.Equal(t, "c1", named[0].CommandID)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 0)

	cmd := command.Command{Name: "get_title"}
	for i, d := range []time.Duration{10 * time.Millisecond, 30 * time.Millisecond} {
		res := command.Success(cmd.WithID(fmt.Sprint(i)), "t")
		res.Duration = d
		require.NoError(t, s.Record(ctx, FromResult(cmd, res, "")))
	}
	res := command.Failure(cmd.WithID("x"), errors.New("boom"))
	res.Duration = 50 * time.Millisecond
	require.NoError(t, s.Record(ctx, FromResult(cmd, res, "")))
	require.NoError(t, s.Record(ctx, FromResult(command.Command{Name: "back"}, command.Success(command.Command{Name: "back"}, true), "")))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "get_title", stats[0].Name)
	require.Equal(t, 3, stats[0].Attempted)
	require.Equal(t, 2, stats[0].Succeeded)
	require.Equal(t, 1, stats[0].Failed)
	require.Equal(t, 30*time.Millisecond, stats[0].AvgDuration)
	require.False(t, stats[0].LastRun.IsZero())
}

func TestRecordPrunesToMaxRows(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 3)

	cmd := command.Command{Name: "get_url"}
	for i := 0; i < 5; i++ {
		c := cmd.WithID(fmt.Sprintf("c%d", i))
		require.NoError(t, s.Record(ctx, FromResult(c, command.Success(c, "u"), "")))
	}
	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "c4", all[0].CommandID)
	require.Equal(t, "c2", all[2].CommandID)

	removed, err := s.Prune(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	require.NoError(t, s.Clear(ctx))
	all, err = s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Empty(t, all)
}
