package broker

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"cardbridge/internal/comm"
	"cardbridge/internal/hub/ws"
)

// Broker consumes bus traffic published by the serial side and fans it
// out to the websocket clients through the hub.
type Broker struct {
	Conn *nats.Conn
	ws   *ws.Ws
}

func NewBroker(nc *nats.Conn, ws *ws.Ws) *Broker {
	return &Broker{
		Conn: nc,
		ws:   ws,
	}
}

// Subscribe attaches the broker to the scan-event and monitor subjects.
func (b *Broker) Subscribe() ([]*nats.Subscription, error) {
	scanSub, err := b.Conn.Subscribe(comm.TopicCardScanned, b.handleScan)
	if err != nil {
		return nil, err
	}

	monSub, err := b.Conn.Subscribe(comm.TopicSerialMonitor, b.handleMonitor)
	if err != nil {
		scanSub.Unsubscribe()
		return nil, err
	}

	return []*nats.Subscription{scanSub, monSub}, nil
}

// handleScan delivers a scan event to every connected client.
func (b *Broker) handleScan(msgNats *nats.Msg) {
	event := comm.ScanEvent{}
	if err := json.Unmarshal(msgNats.Data, &event); err != nil {
		log.Errorf("Error nats scan event %s", err)
		return
	}
	b.ws.BroadcastScan(event)
}

// handleMonitor delivers a mirrored serial frame to monitor subscribers.
func (b *Broker) handleMonitor(msgNats *nats.Msg) {
	frame := comm.MonitorFrame{}
	if err := json.Unmarshal(msgNats.Data, &frame); err != nil {
		log.Errorf("Error nats monitor frame %s", err)
		return
	}
	b.ws.BroadcastMonitor(frame)
}
