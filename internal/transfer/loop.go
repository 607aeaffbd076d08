package transfer

import (
	"context"
	"time"
)

// Run drives the engine's event loop for the lifetime of the transfer: one
// goroutine, one retransmit timer, serialized processing of whichever event
// — datagram or timer tick — is ready. A datagram that arrived at roughly
// the same moment the timer fired wins: the timer case re-checks in
// non-blockingly before treating the tick as a real timeout. initial is
// the RRQ/WRQ that created this transfer; in delivers every subsequent
// datagram routed to it.
//
// Run returns once the transfer reaches PhaseClosed, whether by success,
// protocol error, or exhausted retries. Cancelling ctx tears the transfer
// down immediately, discarding any in-flight file fetch.
func (e *Engine) Run(ctx context.Context, initial Datagram, in <-chan Datagram) {
	defer e.close()

	e.HandleInitial(ctx, initial.Peer, initial.Data)
	if e.phase == PhaseClosed {
		return
	}

	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case dg, ok := <-in:
			if !ok {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			e.HandleDatagram(dg)
			if e.phase == PhaseClosed {
				return
			}
			timer.Reset(e.cfg.Timeout)
		case <-timer.C:
			select {
			case dg, ok := <-in:
				if !ok {
					return
				}
				e.HandleDatagram(dg)
			default:
				e.HandleTimeout()
			}
			if e.phase == PhaseClosed {
				return
			}
			timer.Reset(e.cfg.Timeout)
		}
	}
}
