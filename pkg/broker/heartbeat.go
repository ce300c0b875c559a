package broker

import (
	"fmt"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
)

// runHeartbeat is the single monitor goroutine of the hub. One ticker serves
// every connection, so no connection ever has more than one timer.
func (b *Broker) runHeartbeat() {
	defer b.heartbeatWG.Done()
	ticker := time.NewTicker(b.config.heartbeatInterval)
	defer ticker.Stop()
	b.config.logger.Info(fmt.Sprintf("Broker: Heartbeat monitor started with interval %v, timeout %v", b.config.heartbeatInterval, b.config.heartbeatTimeout))

	for {
		select {
		case <-ticker.C:
			b.heartbeatTick(ergosockets.TimeNow())
		case <-b.mainCtx.Done():
			return
		}
	}
}

// heartbeatTick checks every connection against now and pings the
// survivors. It returns the ids it evicted.
//
// Sending a ping never changes liveness; only a missing pong does.
func (b *Broker) heartbeatTick(now time.Time) []string {
	var evicted []string
	ping := shared_types.Ping{Timestamp: now.UnixMilli()}

	for _, c := range b.registry.Snapshot() {
		elapsed := now.Sub(c.LastPong())
		switch {
		case elapsed > b.config.heartbeatTimeout:
			c.logger.Info(fmt.Sprintf("Broker: Connection %s missed heartbeat (%v since last pong), evicting", c.id, elapsed.Round(time.Millisecond)))
			b.removeConnection(c, fmt.Errorf("%w after %v", ErrHeartbeatTimeout, elapsed.Round(time.Millisecond)))
			evicted = append(evicted, c.id)
			continue
		case elapsed > b.config.heartbeatInterval:
			c.markSuspected()
		}
		c.enqueue(ergosockets.TypePing, "", "", ping)
	}
	return evicted
}
