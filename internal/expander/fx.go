package expander

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("expander",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartLoop),
)

func StartLoop(lc fx.Lifecycle, exp *Expander) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go exp.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
