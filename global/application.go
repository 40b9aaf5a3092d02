// Package global holds process-wide defaults. Nothing in this module reads
// them; they exist for programs that want one ambient application.
package global

import (
	"sync/atomic"

	"github.com/toolink/weave/app"
)

// applicationHolder lets the global application be reset to nil, which an
// atomic.Value cannot store directly.
type applicationHolder struct {
	app *app.Application
}

var globalApplication atomic.Value

// SetApplication sets the global application. It also becomes the global
// bus owner: GetBus returns the application's bus afterwards.
func SetApplication(a *app.Application) {
	globalApplication.Store(applicationHolder{app: a})
	if a != nil {
		SetBus(a.Bus())
	}
}

// GetApplication returns the global application, or nil if none was set.
func GetApplication() *app.Application {
	h, _ := globalApplication.Load().(applicationHolder)
	return h.app
}
