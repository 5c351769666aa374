package usagegate

import "go.uber.org/fx"

var Module = fx.Module("usagegate",
	fx.Provide(New),
)
