package service

import (
	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/kv"
)

// Backends are the host resources behind the built-in services. A nil
// Engine, Store or Publisher leaves the corresponding service out.
type Backends struct {
	Engine    Engine
	Store     kv.Store
	Fetcher   Fetcher
	Publisher event.Publisher
	Info      InfoFunc
}

// Builtin returns the built-in services for the given backends.
func Builtin(b Backends) []Service {
	services := []Service{NewNet(b.Fetcher), NewSystem(b.Info)}
	if b.Engine != nil {
		services = append(services, NewData(b.Engine))
	}
	if b.Store != nil {
		services = append(services, NewStorage(b.Store))
	}
	if b.Publisher != nil {
		services = append(services, NewUI(b.Publisher))
	}
	return services
}
