package hostfunc

import (
	"context"

	"github.com/codename/focuscript/api"
)

// RegisterServer binds the server namespace to the host's server.
func RegisterServer(r *Registry, srv api.Server) {
	r.Register("server.players", func(ctx context.Context, args []any) (any, error) {
		players := srv.OnlinePlayers(ctx)
		out := make([]any, len(players))
		for i, p := range players {
			out[i] = map[string]any{"name": p.Name, "uuid": p.UUID, "world": p.World}
		}
		return out, nil
	})
	r.Register("server.playerCount", func(ctx context.Context, args []any) (any, error) {
		return srv.PlayerCount(ctx), nil
	})
	r.Register("server.worlds", func(ctx context.Context, args []any) (any, error) {
		return srv.Worlds(ctx), nil
	})
	r.Register("server.broadcast", func(ctx context.Context, args []any) (any, error) {
		msg, err := argString(args, 0, "message")
		if err != nil {
			return nil, err
		}
		return nil, srv.Broadcast(ctx, msg)
	})
	r.Register("server.dispatchCommand", func(ctx context.Context, args []any) (any, error) {
		cmd, err := argString(args, 0, "command")
		if err != nil {
			return nil, err
		}
		return srv.DispatchCommand(ctx, cmd)
	})
}
