package commerce

import "go.uber.org/fx"

var Module = fx.Module("commerce",
	fx.Provide(func(client *HTTPClient) Client { return client }),
	fx.Provide(NewHTTPClient),
)
