package bridge

import (
	"context"

	"github.com/glimte/linkmux/internal/protocol"
)

// link serves one attached link. Frames from the core are handled in
// order on the link's own goroutine.
type link struct {
	t      *Transport
	s      *session
	attach *protocol.Attach
	inbox  *protocol.Mailbox
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sender   Sender
	receiver Receiver
	recvDone chan struct{}

	// Guarded by t.mu.
	deliveryCount uint32
	credit        uint32
	detached      bool

	creditCh chan struct{}
}

func newLink(t *Transport, s *session, a *protocol.Attach) *link {
	ctx, cancel := context.WithCancel(t.ctx)
	return &link{
		t:        t,
		s:        s,
		attach:   a,
		inbox:    protocol.NewMailbox(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		creditCh: make(chan struct{}, 1),
	}
}

func (l *link) run() {
	defer close(l.done)
	defer l.inbox.Discard()
	defer func() {
		l.cancel()
		if l.recvDone != nil {
			<-l.recvDone
		}
	}()

	for f := range l.inbox.C() {
		switch f := f.(type) {
		case *protocol.Attach:
			l.open(f)
		case *protocol.Flow:
			l.flow(f)
		case *protocol.Transfer:
			l.transfer(f)
		case *protocol.Disposition:
			l.settle(f)
		case *protocol.Detach:
			l.detach()
			return
		}
	}
}

// stop abandons the link without a Detach exchange.
func (l *link) stop() {
	l.cancel()
	l.inbox.Discard()
	<-l.done
}

func (l *link) open(a *protocol.Attach) {
	t := l.t
	select {
	case <-l.s.ready:
	case <-l.ctx.Done():
		return
	}

	t.mu.Lock()
	es := l.s.engine
	t.mu.Unlock()
	if es == nil {
		return
	}

	opts := LinkOptions{Name: a.Name, Settled: a.SenderSettled}
	var err error
	if a.Role == protocol.RoleSender {
		opts.Address = protocol.AddressOf(a.Target)
		l.sender, err = es.NewSender(l.ctx, opts)
	} else {
		opts.Address = protocol.AddressOf(a.Source)
		l.receiver, err = es.NewReceiver(l.ctx, opts)
	}

	reply := &protocol.Attach{
		Channel:       a.Channel,
		Name:          a.Name,
		Handle:        a.Handle,
		Role:          !a.Role,
		Source:        a.Source,
		Target:        a.Target,
		SenderSettled: a.SenderSettled,
	}
	if err != nil {
		reply.Refuse(a.Role)
	}
	t.push(reply)
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		t.logger.Warn("engine refused link", "link", a.Name, "error", err)
		l.fail(err)
		return
	}

	if l.sender != nil {
		t.push(l.senderFlow(0))
		return
	}
	l.recvDone = make(chan struct{})
	if !t.spawn(l.receive) {
		close(l.recvDone)
	}
}

func (l *link) senderFlow(count uint32) *protocol.Flow {
	return &protocol.Flow{
		Channel:        l.attach.Channel,
		IncomingWindow: maxWindow,
		OutgoingWindow: maxWindow,
		Handle:         protocol.Uint32(l.attach.Handle),
		DeliveryCount:  protocol.Uint32(count),
		LinkCredit:     protocol.Uint32(l.t.window),
	}
}

// flow applies the credit the core grants on a receiver link.
func (l *link) flow(f *protocol.Flow) {
	if l.receiver == nil || f.LinkCredit == nil {
		return
	}
	t := l.t

	t.mu.Lock()
	count := l.deliveryCount
	if f.DeliveryCount != nil {
		count = *f.DeliveryCount
	}
	var credit uint32
	if limit := count + *f.LinkCredit; limit > l.deliveryCount {
		credit = limit - l.deliveryCount
	}
	grant := int64(credit) - int64(l.credit)
	l.credit = credit
	t.mu.Unlock()

	if grant > 0 {
		if err := l.receiver.IssueCredit(uint32(grant)); err != nil {
			l.fail(err)
			return
		}
	}
	select {
	case l.creditCh <- struct{}{}:
	default:
	}
}

func (l *link) transfer(f *protocol.Transfer) {
	t := l.t
	t.mu.Lock()
	detached := l.detached
	t.mu.Unlock()
	if l.sender == nil || detached {
		return
	}

	outcome, err := l.sender.Send(l.ctx, f.DeliveryTag, f.Payload, f.Settled)
	if err != nil {
		if l.ctx.Err() == nil {
			l.fail(err)
		}
		return
	}

	t.mu.Lock()
	l.deliveryCount++
	count := l.deliveryCount
	t.mu.Unlock()

	if !f.Settled {
		t.push(&protocol.Disposition{
			Channel:           f.Channel,
			Role:              protocol.RoleReceiver,
			First:             f.DeliveryID,
			Settled:           true,
			Outcome:           outcome.State,
			Error:             outcome.Error,
			DeliveryFailed:    outcome.DeliveryFailed,
			UndeliverableHere: outcome.UndeliverableHere,
		})
	}
	t.push(l.senderFlow(count))
}

func (l *link) receive() {
	defer close(l.recvDone)
	t := l.t

	for l.awaitCredit() {
		msg, err := l.receiver.Receive(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.fail(err)
			}
			return
		}

		t.mu.Lock()
		if l.detached {
			t.mu.Unlock()
			return
		}
		if l.credit > 0 {
			l.credit--
		}
		l.deliveryCount++
		id := l.s.nextID
		l.s.nextID++
		if !msg.Settled {
			l.s.incoming[id] = &inbound{link: l, msg: msg}
		}
		t.push(&protocol.Transfer{
			Channel:     l.attach.Channel,
			Handle:      l.attach.Handle,
			DeliveryID:  id,
			DeliveryTag: msg.Tag,
			Settled:     msg.Settled,
			Payload:     msg.Payload,
		})
		t.mu.Unlock()
	}
}

func (l *link) awaitCredit() bool {
	for {
		l.t.mu.Lock()
		credit := l.credit
		l.t.mu.Unlock()
		if credit > 0 {
			return true
		}

		select {
		case <-l.creditCh:
		case <-l.ctx.Done():
			return false
		}
	}
}

func (l *link) settle(f *protocol.Disposition) {
	t := l.t
	t.mu.Lock()
	in, ok := l.s.incoming[f.First]
	if ok {
		delete(l.s.incoming, f.First)
	}
	t.mu.Unlock()
	if !ok || l.receiver == nil {
		return
	}

	err := l.receiver.Settle(l.ctx, in.msg, Outcome{
		State:             f.Outcome,
		Error:             f.Error,
		DeliveryFailed:    f.DeliveryFailed,
		UndeliverableHere: f.UndeliverableHere,
	})
	if err != nil && l.ctx.Err() == nil {
		t.logger.Warn("settlement not applied by engine",
			"link", l.attach.Name,
			"outcome", f.Outcome.String(),
			"error", err)
	}
}

// fail detaches the link towards the core after an engine error. Errors
// caused by the engine connection going away are left to watch.
func (l *link) fail(err error) {
	t := l.t
	select {
	case <-t.engine.Done():
		return
	default:
	}

	t.mu.Lock()
	if l.detached {
		t.mu.Unlock()
		return
	}
	l.detached = true
	t.mu.Unlock()

	t.logger.Warn("engine detached link", "link", l.attach.Name, "error", err)
	t.push(&protocol.Detach{
		Channel: l.attach.Channel,
		Handle:  l.attach.Handle,
		Closed:  true,
		Error:   remoteOf(err, protocol.ConditionDetachForced),
	})
}

// detach answers the core's Detach once the engine link is closed.
func (l *link) detach() {
	t := l.t
	t.mu.Lock()
	answered := l.detached
	l.detached = true
	if cur, ok := l.s.links[l.attach.Handle]; ok && cur == l {
		delete(l.s.links, l.attach.Handle)
	}
	for id, in := range l.s.incoming {
		if in.link == l {
			delete(l.s.incoming, id)
		}
	}
	t.mu.Unlock()

	l.cancel()
	if l.recvDone != nil {
		<-l.recvDone
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.closeTimeout)
	defer cancel()
	var err error
	switch {
	case l.sender != nil:
		err = l.sender.Close(ctx)
	case l.receiver != nil:
		err = l.receiver.Close(ctx)
	}
	if err != nil {
		t.logger.Debug("engine link close failed", "link", l.attach.Name, "error", err)
	}

	if !answered {
		t.push(&protocol.Detach{Channel: l.attach.Channel, Handle: l.attach.Handle, Closed: true})
	}
}
