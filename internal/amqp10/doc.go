// Package amqp10 implements the session and link management core of an
// AMQP 1.0 client.
//
// A ConnectionManager owns one transport to the peer. Every Connection
// runs a single goroutine that owns all session, link, credit and
// delivery-id state; callers hand it closures and wait for replies, so no
// lock is shared between logically independent sessions.
//
//   - SessionManager begins and ends sessions. Session IDs come from an
//     IDAllocator and are never reused.
//   - LinkManager attaches links, tracks credit in both directions, parks
//     sends while no credit is available and tops up receiver credit when
//     it falls below the low-water mark.
//   - SettlementTracker follows every unsettled delivery by link name and
//     delivery tag until a terminal outcome is recorded exactly once.
//   - RecoveryCoordinator reacts to transient failures: it reconnects with
//     backoff, re-begins failed sessions, re-attaches failed links under
//     their old names and resubmits unsettled sends.
//
// Basic usage:
//
//	cm := amqp10.NewConnectionManager("amqp://localhost:5672", dialer)
//	sm := amqp10.NewSessionManager()
//	lm := amqp10.NewLinkManager()
//
//	rc := amqp10.NewRecoveryCoordinator(cm, sm, lm)
//	rc.Start()
//	defer rc.Stop()
//
//	conn, err := cm.Open(ctx)
//	if err != nil {
//		return err
//	}
//	s, err := sm.CreateSession(ctx, conn)
//	if err != nil {
//		return err
//	}
//	l, err := lm.Attach(ctx, s, protocol.RoleSender, 0, amqp10.WithAddress("orders"))
//	if err != nil {
//		return err
//	}
//	d, err := lm.Send(ctx, l, payload)
//	if err != nil {
//		return err
//	}
//	outcome, err := d.Wait(ctx)
package amqp10
