package manager

import (
	"sync/atomic"

	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/unit"
)

// scope is what one unit registers outside its runtime: event
// subscriptions, commands and scheduled tasks. It lives exactly as long as
// the unit.
type scope struct {
	handlers  *hostfunc.Handlers
	owner     *hostfunc.Owner
	scheduler *hostfunc.Scheduler
	unit      atomic.Pointer[unit.Unit]
}

// declare registers the events and commands named by the load request.
func (sc *scope) declare(lc loadConfig) error {
	for _, event := range lc.events {
		if err := sc.handlers.Subscribe(sc.owner, event); err != nil {
			return err
		}
	}
	for _, name := range lc.commands {
		if err := sc.handlers.Register(sc.owner, name, ""); err != nil {
			return err
		}
	}
	return nil
}

func (sc *scope) release() error {
	if sc.scheduler != nil {
		sc.scheduler.Close()
	}
	sc.handlers.Drop(sc.owner)
	return nil
}
