package protocol

import (
	"fmt"
	"time"
)

// Role identifies which end of a link a frame speaks for.
type Role bool

const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// Outcome is the settlement state of a delivery.
type Outcome uint8

const (
	Unsettled Outcome = iota
	Accepted
	Rejected
	Released
	Modified
)

func (o Outcome) String() string {
	switch o {
	case Unsettled:
		return "unsettled"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Released:
		return "released"
	case Modified:
		return "modified"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Terminal reports whether the outcome ends a delivery's life.
func (o Outcome) Terminal() bool {
	return o != Unsettled
}

// Frame is one AMQP performative as produced or consumed by the codec.
type Frame interface {
	frame()
}

// Open starts a connection.
type Open struct {
	ContainerID  string
	Hostname     string
	MaxFrameSize uint32
	ChannelMax   uint16
	IdleTimeout  time.Duration
}

// Close ends a connection, optionally with an error.
type Close struct {
	Error *Error
}

// Begin starts a session on Channel. RemoteChannel is set on the reply.
type Begin struct {
	Channel        uint16
	RemoteChannel  *uint16
	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
}

// End ends the session on Channel.
type End struct {
	Channel uint16
	Error   *Error
}

// Terminus is the source or target of a link.
type Terminus struct {
	Address string
}

// AddressOf returns the address of t, or "" when t is nil.
func AddressOf(t *Terminus) string {
	if t == nil {
		return ""
	}
	return t.Address
}

// Attach attaches a link to a session.
type Attach struct {
	Channel              uint16
	Name                 string
	Handle               uint32
	Role                 Role
	Source               *Terminus
	Target               *Terminus
	SenderSettled        bool
	InitialDeliveryCount uint32
}

// Refused reports whether a, answering an Attach sent with role local,
// leaves out the terminus the answering peer owns. A peer answers that way
// when it will not establish the link, then detaches with the reason.
func (a *Attach) Refused(local Role) bool {
	if local == RoleSender {
		return a.Target == nil
	}
	return a.Source == nil
}

// Refuse clears the terminus the answering end owns on a reply to an
// Attach sent with role local.
func (a *Attach) Refuse(local Role) {
	if local == RoleSender {
		a.Target = nil
	} else {
		a.Source = nil
	}
}

// Detach detaches the link identified by Handle.
type Detach struct {
	Channel uint16
	Handle  uint32
	Closed  bool
	Error   *Error
}

// Flow carries session and link flow control state. Handle, DeliveryCount
// and LinkCredit are nil for session-only flow.
type Flow struct {
	Channel        uint16
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Drain          bool
	Echo           bool
}

// Transfer carries one message on a link.
type Transfer struct {
	Channel     uint16
	Handle      uint32
	DeliveryID  uint32
	DeliveryTag []byte
	Settled     bool
	Payload     []byte
}

// Disposition settles the deliveries First..Last (inclusive).
type Disposition struct {
	Channel           uint16
	Role              Role
	First             uint32
	Last              *uint32
	Settled           bool
	Outcome           Outcome
	Error             *Error
	DeliveryFailed    bool
	UndeliverableHere bool
}

// Empty is the heartbeat frame.
type Empty struct{}

func (*Open) frame()        {}
func (*Close) frame()       {}
func (*Begin) frame()       {}
func (*End) frame()         {}
func (*Attach) frame()      {}
func (*Detach) frame()      {}
func (*Flow) frame()        {}
func (*Transfer) frame()    {}
func (*Disposition) frame() {}
func (*Empty) frame()       {}

// LastID returns the upper bound of the disposition range.
func (d *Disposition) LastID() uint32 {
	if d.Last == nil {
		return d.First
	}
	return *d.Last
}

// Uint32 returns a pointer to v.
func Uint32(v uint32) *uint32 { return &v }

// Uint16 returns a pointer to v.
func Uint16(v uint16) *uint16 { return &v }

// Describe renders a frame for debug logging.
func Describe(f Frame) string {
	switch f := f.(type) {
	case *Open:
		return fmt.Sprintf("Open(container=%s maxFrame=%d idle=%s)", f.ContainerID, f.MaxFrameSize, f.IdleTimeout)
	case *Close:
		return fmt.Sprintf("Close(err=%v)", f.Error)
	case *Begin:
		return fmt.Sprintf("Begin(ch=%d)", f.Channel)
	case *End:
		return fmt.Sprintf("End(ch=%d err=%v)", f.Channel, f.Error)
	case *Attach:
		return fmt.Sprintf("Attach(ch=%d name=%s handle=%d role=%s)", f.Channel, f.Name, f.Handle, f.Role)
	case *Detach:
		return fmt.Sprintf("Detach(ch=%d handle=%d err=%v)", f.Channel, f.Handle, f.Error)
	case *Flow:
		if f.Handle == nil {
			return fmt.Sprintf("Flow(ch=%d)", f.Channel)
		}
		return fmt.Sprintf("Flow(ch=%d handle=%d credit=%v)", f.Channel, *f.Handle, derefOr(f.LinkCredit))
	case *Transfer:
		return fmt.Sprintf("Transfer(ch=%d handle=%d id=%d settled=%t)", f.Channel, f.Handle, f.DeliveryID, f.Settled)
	case *Disposition:
		return fmt.Sprintf("Disposition(ch=%d %d..%d %s)", f.Channel, f.First, f.LastID(), f.Outcome)
	case *Empty:
		return "Empty"
	default:
		return fmt.Sprintf("%T", f)
	}
}

func derefOr(p *uint32) any {
	if p == nil {
		return "nil"
	}
	return *p
}
