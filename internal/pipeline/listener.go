package pipeline

import (
	"runtime/debug"

	"github.com/MimeLyc/contentpipe/pkg/log"
)

// ErrorContext says where an error happened. SectionKey is only set for
// section failures in the draft pass.
type ErrorContext struct {
	JobID      string
	Pass       int
	SectionKey string
}

// Listener observes a run. Calls are synchronous and block the run; a
// panicking listener is recovered and logged.
//
// Pass and job events come from the goroutine calling Run. OnSectionStart,
// OnSectionComplete and OnError for a section are called from the draft
// pass workers and may arrive concurrently, so implementations that keep
// state must lock.
type Listener interface {
	OnPassStart(n int, name string)
	OnPassComplete(n int)
	OnSectionStart(key, heading string)
	OnSectionComplete(key string)
	OnError(err error, ec ErrorContext)
	OnJobComplete(score int)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnPassStart(int, string)       {}
func (NopListener) OnPassComplete(int)            {}
func (NopListener) OnSectionStart(string, string) {}
func (NopListener) OnSectionComplete(string)      {}
func (NopListener) OnError(error, ErrorContext)   {}
func (NopListener) OnJobComplete(int)             {}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	PassStart       func(n int, name string)
	PassComplete    func(n int)
	SectionStart    func(key, heading string)
	SectionComplete func(key string)
	Error           func(err error, ec ErrorContext)
	JobComplete     func(score int)
}

func (f ListenerFuncs) OnPassStart(n int, name string) {
	if f.PassStart != nil {
		f.PassStart(n, name)
	}
}

func (f ListenerFuncs) OnPassComplete(n int) {
	if f.PassComplete != nil {
		f.PassComplete(n)
	}
}

func (f ListenerFuncs) OnSectionStart(key, heading string) {
	if f.SectionStart != nil {
		f.SectionStart(key, heading)
	}
}

func (f ListenerFuncs) OnSectionComplete(key string) {
	if f.SectionComplete != nil {
		f.SectionComplete(key)
	}
}

func (f ListenerFuncs) OnError(err error, ec ErrorContext) {
	if f.Error != nil {
		f.Error(err, ec)
	}
}

func (f ListenerFuncs) OnJobComplete(score int) {
	if f.JobComplete != nil {
		f.JobComplete(score)
	}
}

// multiListener fans events out to every listener, recovering panics.
type multiListener []Listener

// Multi combines listeners into one. Nil entries are dropped.
func Multi(listeners ...Listener) Listener {
	ret := make(multiListener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			ret = append(ret, l)
		}
	}
	return ret
}

func (m multiListener) each(event string, fn func(Listener)) {
	for _, l := range m {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Listener panicked in %s: %v\n%s", event, r, debug.Stack())
				}
			}()
			fn(l)
		}()
	}
}

func (m multiListener) OnPassStart(n int, name string) {
	m.each("OnPassStart", func(l Listener) { l.OnPassStart(n, name) })
}

func (m multiListener) OnPassComplete(n int) {
	m.each("OnPassComplete", func(l Listener) { l.OnPassComplete(n) })
}

func (m multiListener) OnSectionStart(key, heading string) {
	m.each("OnSectionStart", func(l Listener) { l.OnSectionStart(key, heading) })
}

func (m multiListener) OnSectionComplete(key string) {
	m.each("OnSectionComplete", func(l Listener) { l.OnSectionComplete(key) })
}

func (m multiListener) OnError(err error, ec ErrorContext) {
	m.each("OnError", func(l Listener) { l.OnError(err, ec) })
}

func (m multiListener) OnJobComplete(score int) {
	m.each("OnJobComplete", func(l Listener) { l.OnJobComplete(score) })
}
