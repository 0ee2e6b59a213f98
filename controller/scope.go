package controller

import (
	log "github.com/sirupsen/logrus"
)

// unwinder is a stack of release callbacks executed in reverse order of
// registration. Resources are registered before their acquire call so a
// partial acquire is still unwound; release implementations tolerate being
// called on partially created state.
type unwinder struct {
	scopes []scope
}

type scope struct {
	name    string
	release func()
}

func (u *unwinder) push(name string, release func()) {
	u.scopes = append(u.scopes, scope{name: name, release: release})
}

// unwind releases every registered scope, innermost first. A release never
// aborts the remaining ones.
func (u *unwinder) unwind() {
	for i := len(u.scopes) - 1; i >= 0; i-- {
		log.Info("releasing ", u.scopes[i].name)
		u.scopes[i].release()
	}
	u.scopes = nil
}
