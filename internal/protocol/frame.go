package protocol

import "fmt"

// Frame is the single envelope exchanged with the relay. Which fields are set
// depends on Type.
type Frame struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`

	// HELLO / WELCOME
	UserID    string `json:"user_id,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	SpaceID   string `json:"space_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// JOIN / JOINED / LEAVE / LEFT / PUBLISH / DELIVER
	Channel  string    `json:"channel,omitempty"`
	Ref      uint64    `json:"ref,omitempty"`
	SenderID string    `json:"sender_id,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
	Event    EventKind `json:"event,omitempty"`
	Body     *Body     `json:"body,omitempty"`

	// ERROR
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Message is a decoded DELIVER frame.
type Message struct {
	SenderID string
	Channel  string
	Seq      uint64
	Event    Event
}

func PublishFrame(channel string, seq uint64, ev Event) (Frame, error) {
	body, err := Wrap(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    TypePublish,
		Channel: channel,
		Seq:     seq,
		Event:   ev.Kind(),
		Body:    body,
	}, nil
}

// Deliver turns an accepted PUBLISH into the DELIVER fanned out to
// subscribers. The sender is stamped by the caller, never trusted from input.
func Deliver(pub Frame, senderID string) Frame {
	return Frame{
		Type:     TypeDeliver,
		Channel:  pub.Channel,
		SenderID: senderID,
		Seq:      pub.Seq,
		Event:    pub.Event,
		Body:     pub.Body,
	}
}

func MessageFromFrame(f Frame) (Message, error) {
	if f.Type != TypeDeliver {
		return Message{}, fmt.Errorf("protocol: expected %s, got %s", TypeDeliver, f.Type)
	}
	ev, err := f.Body.Unwrap(f.Event)
	if err != nil {
		return Message{}, err
	}
	return Message{SenderID: f.SenderID, Channel: f.Channel, Seq: f.Seq, Event: ev}, nil
}

func ErrorFrame(code, msg string) Frame {
	return Frame{Type: TypeError, Code: code, Message: msg}
}
