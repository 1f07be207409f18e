package registry

import (
	"github.com/renovolabs/renovo/internal/registry/service"
	"go.uber.org/fx"
)

var Module = fx.Module("registry.service",
	fx.Provide(service.New),
)
