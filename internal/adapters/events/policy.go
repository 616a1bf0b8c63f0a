package events

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickSubscriber
)

// Policy decides what happens to a UI subscriber whose queue is full.
// dropped counts the frames lost in a row, this one included.
type Policy interface {
	OnBackpressure(sid string, dropped int) BackpressureAction
}

// DropPolicy drops frames and kicks after MaxDropped losses in a row.
// MaxDropped <= 0 never kicks.
type DropPolicy struct {
	MaxDropped int
}

func (p DropPolicy) OnBackpressure(_ string, dropped int) BackpressureAction {
	if p.MaxDropped > 0 && dropped >= p.MaxDropped {
		return KickSubscriber
	}
	return DropFrame
}
