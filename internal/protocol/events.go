package protocol

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var ErrUnknownEvent = errors.New("protocol: unknown event")

type EventKind string

const (
	KindMovement     EventKind = "movement"
	KindReaction     EventKind = "reaction"
	KindChat         EventKind = "chat"
	KindSignalOffer  EventKind = "signal_offer"
	KindSignalAnswer EventKind = "signal_answer"
	KindICECandidate EventKind = "ice_candidate"
	KindLeave        EventKind = "leave"
)

// Event is a decoded chunk-channel payload. The set of implementations is
// closed; switch on the concrete type.
type Event interface {
	Kind() EventKind
	isEvent()
}

// Movement is the per-tick position report.
type Movement struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	CompanyID string  `json:"company_id,omitempty"`
	ZoneID    string  `json:"zone_id,omitempty"`
}

type Reaction struct {
	Emoji string `json:"emoji"`
}

type Chat struct {
	Text string `json:"text"`
}

type SignalOffer struct {
	Target string                    `json:"target"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type SignalAnswer struct {
	Target string                    `json:"target"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type ICECandidate struct {
	Target    string                  `json:"target"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Leave announces that the sender is gone from the space.
type Leave struct{}

func (Movement) Kind() EventKind     { return KindMovement }
func (Reaction) Kind() EventKind     { return KindReaction }
func (Chat) Kind() EventKind         { return KindChat }
func (SignalOffer) Kind() EventKind  { return KindSignalOffer }
func (SignalAnswer) Kind() EventKind { return KindSignalAnswer }
func (ICECandidate) Kind() EventKind { return KindICECandidate }
func (Leave) Kind() EventKind        { return KindLeave }

func (Movement) isEvent()     {}
func (Reaction) isEvent()     {}
func (Chat) isEvent()         {}
func (SignalOffer) isEvent()  {}
func (SignalAnswer) isEvent() {}
func (ICECandidate) isEvent() {}
func (Leave) isEvent()        {}

// OneShot reports whether ev is a discrete event rather than a state report.
// One-shot events are worth delivering late; movement is not.
func OneShot(ev Event) bool {
	_, isMove := ev.(Movement)
	return !isMove
}

// Body carries exactly one event variant on the wire.
type Body struct {
	Movement     *Movement     `json:"movement,omitempty"`
	Reaction     *Reaction     `json:"reaction,omitempty"`
	Chat         *Chat         `json:"chat,omitempty"`
	SignalOffer  *SignalOffer  `json:"signal_offer,omitempty"`
	SignalAnswer *SignalAnswer `json:"signal_answer,omitempty"`
	ICECandidate *ICECandidate `json:"ice_candidate,omitempty"`
	Leave        *Leave        `json:"leave,omitempty"`
}

// Wrap places ev in a Body.
func Wrap(ev Event) (*Body, error) {
	var b Body
	switch e := ev.(type) {
	case Movement:
		b.Movement = &e
	case Reaction:
		b.Reaction = &e
	case Chat:
		b.Chat = &e
	case SignalOffer:
		b.SignalOffer = &e
	case SignalAnswer:
		b.SignalAnswer = &e
	case ICECandidate:
		b.ICECandidate = &e
	case Leave:
		b.Leave = &e
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return &b, nil
}

// Unwrap returns the variant selected by kind. It fails when the body does not
// carry exactly that variant.
func (b *Body) Unwrap(kind EventKind) (Event, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: empty body", ErrUnknownEvent)
	}
	if n := b.count(); n != 1 {
		return nil, fmt.Errorf("%w: body carries %d variants", ErrUnknownEvent, n)
	}
	var ev Event
	switch kind {
	case KindMovement:
		if b.Movement != nil {
			ev = *b.Movement
		}
	case KindReaction:
		if b.Reaction != nil {
			ev = *b.Reaction
		}
	case KindChat:
		if b.Chat != nil {
			ev = *b.Chat
		}
	case KindSignalOffer:
		if b.SignalOffer != nil {
			ev = *b.SignalOffer
		}
	case KindSignalAnswer:
		if b.SignalAnswer != nil {
			ev = *b.SignalAnswer
		}
	case KindICECandidate:
		if b.ICECandidate != nil {
			ev = *b.ICECandidate
		}
	case KindLeave:
		if b.Leave != nil {
			ev = *b.Leave
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: body does not match kind %q", ErrUnknownEvent, kind)
	}
	return ev, nil
}

func (b *Body) count() int {
	n := 0
	if b.Movement != nil {
		n++
	}
	if b.Reaction != nil {
		n++
	}
	if b.Chat != nil {
		n++
	}
	if b.SignalOffer != nil {
		n++
	}
	if b.SignalAnswer != nil {
		n++
	}
	if b.ICECandidate != nil {
		n++
	}
	if b.Leave != nil {
		n++
	}
	return n
}
