package keygen

import "go.uber.org/fx"

var Module = fx.Module("keygen",
	fx.Provide(NewService),
)
