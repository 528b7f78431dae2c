package postoffice

import "time"

// startDualWorker launches the two-goroutine configuration used by
// transports whose publisher and subscriber sessions are logically
// separate (the amqp transport's two AMQP channels). One goroutine runs
// phases 1 (send) and 2 (status) against the publisher half; the other
// runs phase 3 (receive) against the subscriber half. Both share the
// BoundedQueues, ThroughputMeters and ErrorJournal; reconnect is driven by
// the sender goroutine since Subscribe/Unsubscribe replay needs to happen
// exactly once per reconnect, not once per goroutine.
//
// Only the receiver goroutine blocks on transport.Wait/Wake: that signal
// means "new data arrived on the transport", which is the receiver's
// concern alone. The sender idles on a blocking sendQ.Pop instead of
// transport.Wait, since a shared wake channel would only ever wake one
// of two concurrent waiters, leaving the other parked for the full idle
// timeout.
func (e *BufferedPostOffice) startDualWorker() {
	e.wg.Add(2)
	go e.runSenderWorker()
	go e.runReceiverWorker()
}

func (e *BufferedPostOffice) runSenderWorker() {
	defer e.wg.Done()

	var pendingSend *controlRecord
	var lastStatusAt time.Time

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if e.getState() != stateReady {
			e.reconnect()
			continue
		}

		activity := false
		for i := 0; i < sendMaxPerPass; i++ {
			var rec controlRecord
			if pendingSend != nil {
				rec = *pendingSend
				pendingSend = nil
			} else {
				item, ok := e.sendQ.Pop(0)
				if !ok {
					break
				}
				rec = item.(controlRecord)
			}
			if err := e.dispatchControl(rec); err != nil {
				pendingSend = &rec
				e.noteTransportFailure(err)
				break
			}
			activity = true
		}

		now := time.Now()
		idle := !activity
		due := (idle && now.Sub(lastStatusAt) >= statusIdleInterval) || now.Sub(lastStatusAt) >= statusBusyInterval
		if due {
			e.publishStatus()
			lastStatusAt = now
		}

		e.refreshClientAddress()
		for _, err := range e.transport.Errors() {
			e.noteTransportFailure(err)
		}

		if !activity {
			if item, ok := e.sendQ.Pop(idleWaitTimeout); ok {
				rec := item.(controlRecord)
				pendingSend = &rec
			}
		}
	}
}

func (e *BufferedPostOffice) runReceiverWorker() {
	defer e.wg.Done()

	var pendingRecv *Message

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if e.getState() != stateReady {
			time.Sleep(reconnectBackoff)
			continue
		}

		activity := false
		for i := 0; i < recvMaxPerPass; i++ {
			var msg Message
			if pendingRecv != nil {
				msg = *pendingRecv
				pendingRecv = nil
			} else {
				m, ok := e.transport.Receive()
				if !ok {
					break
				}
				e.recvMeter.Add(m.Size())
				msg = m
			}
			if !e.recvQ.Push(msg) {
				e.journal.Set("receive buffer full, retrying")
				pendingRecv = &msg
				break
			}
			activity = true
		}

		if !activity {
			e.transport.Wait(idleWaitTimeout)
		}
	}
}
