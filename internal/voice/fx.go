package voice

import "go.uber.org/fx"

var Module = fx.Module("voice",
	fx.Provide(func(client *HTTPClient) Client { return client }),
	fx.Provide(NewHTTPClient),
)
