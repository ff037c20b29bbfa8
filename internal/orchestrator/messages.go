package orchestrator

import (
	"github.com/loykin/devpanel/internal/descriptor"
	"github.com/loykin/devpanel/internal/process"
)

// message is anything the control loop accepts on its inbox.
type message interface{ isMessage() }

type reply struct {
	res Result
	err error
}

type opKind int

const (
	opStart opKind = iota
	opStop
)

func (k opKind) String() string {
	if k == opStart {
		return "start"
	}
	return "stop"
}

// opMsg is a start or stop request for one server.
type opMsg struct {
	kind  opKind
	name  string
	reply chan reply
}

// exitMsg reports that handle h exited.
type exitMsg struct {
	name string
	h    *process.Handle
}

// readyMsg carries the readiness outcome of handle h.
type readyMsg struct {
	name string
	h    *process.Handle
	r    process.Readiness
}

// stopDoneMsg reports the end of a Terminate on handle h.
type stopDoneMsg struct {
	name   string
	h      *process.Handle
	forced bool
	err    error
}

type reloadMsg struct {
	descs []descriptor.Descriptor
	reply chan error
}

// aggBeginMsg marks an aggregate operation in flight and returns its tiers.
type aggBeginMsg struct {
	op    Op
	reply chan [][]string
}

type aggEndMsg struct{}

// settleMsg is answered once none of names is starting or stopping.
type settleMsg struct {
	names []string
	reply chan struct{}
}

func (opMsg) isMessage()       {}
func (exitMsg) isMessage()     {}
func (readyMsg) isMessage()    {}
func (stopDoneMsg) isMessage() {}
func (reloadMsg) isMessage()   {}
func (aggBeginMsg) isMessage() {}
func (aggEndMsg) isMessage()   {}
func (settleMsg) isMessage()   {}
