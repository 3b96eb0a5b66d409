package assoc

import "go.uber.org/fx"

var Module = fx.Module("assoc",
	fx.Provide(NewGraph),
)
