package temporal

import "go.uber.org/fx"

var Module = fx.Module("temporal",
	fx.Provide(NewStore),
)
