package cursor

import "go.uber.org/fx"

var Module = fx.Module("cursor",
	fx.Provide(NewStore),
)
