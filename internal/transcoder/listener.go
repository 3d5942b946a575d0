package transcoder

import "hdr-transcoder/pkg/models"

// Listener receives session events. Progress, Done and Error are called from
// the session's supervisor goroutine; Error also from Start when negotiation
// fails at every level.
type Listener interface {
	OnPrepareDone(track models.TrackFormat)
	OnError(err error)
	OnProgress(percent int)
	OnDone(outputPath string)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	PrepareDone func(models.TrackFormat)
	Error       func(error)
	Progress    func(int)
	Done        func(string)
}

func (l ListenerFuncs) OnPrepareDone(track models.TrackFormat) {
	if l.PrepareDone != nil {
		l.PrepareDone(track)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

func (l ListenerFuncs) OnProgress(percent int) {
	if l.Progress != nil {
		l.Progress(percent)
	}
}

func (l ListenerFuncs) OnDone(outputPath string) {
	if l.Done != nil {
		l.Done(outputPath)
	}
}

// multiListener fans events out in order.
type multiListener []Listener

// Listeners combines several listeners into one.
func Listeners(ls ...Listener) Listener {
	var out multiListener
	for _, l := range ls {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m multiListener) OnPrepareDone(track models.TrackFormat) {
	for _, l := range m {
		l.OnPrepareDone(track)
	}
}

func (m multiListener) OnError(err error) {
	for _, l := range m {
		l.OnError(err)
	}
}

func (m multiListener) OnProgress(percent int) {
	for _, l := range m {
		l.OnProgress(percent)
	}
}

func (m multiListener) OnDone(outputPath string) {
	for _, l := range m {
		l.OnDone(outputPath)
	}
}
