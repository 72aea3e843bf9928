package app

import (
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/modules/artifacts"
	"github.com/vk/pipegrid/modules/http_request"
	"github.com/vk/pipegrid/modules/print"
	"github.com/vk/pipegrid/modules/socketio"
)

// coreModules is the definitive list of all actions that are compiled into
// the pipegrid binary.
var coreModules = []registry.Module{
	&print.Module{},
	&http_request.Module{},
	&artifacts.Module{},
	&socketio.Module{},
}
