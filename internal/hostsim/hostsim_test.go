package hostsim

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPlayers(t *testing.T) {
	ctx := context.Background()
	s := New(quiet())
	steve := s.Join("steve", "world")
	s.Join("alex", "world_nether")

	assert.Equal(t, 2, s.PlayerCount(ctx))
	players := s.OnlinePlayers(ctx)
	require.Len(t, players, 2)
	assert.Equal(t, "alex", players[0].Name)
	assert.Equal(t, steve, players[1])
	assert.Equal(t, steve.UUID, s.Join("steve", "world").UUID, "uuid is stable per name")

	s.Leave("alex")
	assert.Equal(t, 1, s.PlayerCount(ctx))
}

func TestWorldsIsCopy(t *testing.T) {
	s := New(quiet())
	w := s.Worlds(context.Background())
	w[0] = "changed"
	assert.Equal(t, "world", s.Worlds(context.Background())[0])
}

func TestDispatchCommand(t *testing.T) {
	ctx := context.Background()
	s := New(quiet())
	var got []string
	s.HandleCommand("time", func(ctx context.Context, args []string) (bool, error) {
		got = args
		return true, nil
	})

	ok, err := s.DispatchCommand(ctx, "/TIME set day")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"set", "day"}, got)

	ok, err = s.DispatchCommand(ctx, "weather clear")
	require.NoError(t, err)
	assert.False(t, ok, "unknown commands report false")

	_, err = s.DispatchCommand(ctx, "  ")
	assert.Error(t, err)

	assert.Equal(t, []string{"/TIME set day", "weather clear"}, s.Commands())

	s.RemoveCommand("time")
	ok, err = s.DispatchCommand(ctx, "/time")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBroadcast(t *testing.T) {
	s := New(quiet())
	require.NoError(t, s.Broadcast(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, s.Broadcasts())
}
