package bulk

import "go.uber.org/fx"

var Module = fx.Module("bulk",
	fx.Provide(New),
)
