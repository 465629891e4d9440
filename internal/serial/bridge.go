package serial

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	tarm "github.com/tarm/serial"

	"cardbridge/internal/comm"
	"cardbridge/internal/service"
)

// State is the bridge connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReading
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	default:
		return "disconnected"
	}
}

// Publisher is the outbound side of the message bus. *nats.Conn
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds the physical link settings.
type Config struct {
	Port string
	Baud int
}

// Bridge owns the one physical serial connection: it runs the read loop,
// serializes outbound writes, dispatches recognized frames to the access
// service and mirrors all traffic to the monitor tap on the bus.
type Bridge struct {
	cfg    Config
	access *service.AccessService
	pub    Publisher

	open func() (io.ReadWriteCloser, error)

	writeMu sync.Mutex
	port    io.ReadWriteCloser
	state   atomic.Int32
	stopped atomic.Bool
}

// NewBridge creates a bridge for the configured serial device.
func NewBridge(cfg Config, access *service.AccessService, pub Publisher) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		access: access,
		pub:    pub,
	}
	b.open = func() (io.ReadWriteCloser, error) {
		return tarm.OpenPort(&tarm.Config{Name: cfg.Port, Baud: cfg.Baud})
	}
	return b
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
}

// Start opens the serial port and launches the read loop. A connect
// failure leaves the bridge disconnected; it does not retry on its own.
func (b *Bridge) Start() error {
	b.setState(StateConnecting)

	port, err := b.open()
	if err != nil {
		b.setState(StateDisconnected)
		return fmt.Errorf("connect serial %s: %w", b.cfg.Port, err)
	}

	b.writeMu.Lock()
	b.port = port
	b.writeMu.Unlock()
	b.setState(StateReading)

	log.Infof("serial port %s open at %d baud", b.cfg.Port, b.cfg.Baud)
	go b.readLoop()
	return nil
}

// Stop closes the port, which ends the read loop with a final I/O error.
func (b *Bridge) Stop() {
	b.stopped.Store(true)
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.port != nil {
		b.port.Close()
	}
}

// readLoop performs blocking reads on its own goroutine, feeds lines
// through the framer and hands each complete frame to an independent
// handler goroutine. Frame emission stays in read order; handler
// completion is unordered.
func (b *Bridge) readLoop() {
	defer b.setState(StateDisconnected)

	scanner := bufio.NewScanner(b.port)
	var framer Framer

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		frame, ok := framer.Feed(line)
		if !ok {
			continue
		}
		go b.handleFrame(frame)
	}

	if err := scanner.Err(); err != nil && !b.stopped.Load() {
		log.Errorf("serial read loop: %v", err)
	} else {
		log.Info("serial port closed")
	}
}

// handleFrame dispatches one complete frame from the reader.
func (b *Bridge) handleFrame(frame string) {
	b.monitor(frame, comm.DirIncoming)

	var msg comm.DeviceMessage
	if err := json.Unmarshal([]byte(frame), &msg); err != nil {
		log.Errorf("malformed serial frame: %v, data: %s", err, frame)
		b.monitor("INVALID JSON: "+frame, comm.DirError)
		return
	}

	switch msg.Type {
	case "cardData":
		if !hasUID(msg.CardUID) {
			return
		}
		resp, event := b.access.Evaluate(msg.CardUID)

		if data, err := json.Marshal(event); err == nil {
			if err := b.pub.Publish(comm.TopicCardScanned, data); err != nil {
				log.Errorf("publish scan event: %v", err)
			}
		}

		if err := b.Send(resp); err != nil {
			log.Errorf("send card response: %v", err)
		}
	case "ping":
		pong := comm.Pong{
			Type:      "pong",
			DeviceID:  msg.DeviceID,
			Timestamp: time.Now().Unix(),
		}
		if err := b.Send(pong); err != nil {
			log.Errorf("send pong: %v", err)
		}
	default:
		log.Warnf("unknown serial message type: %q", msg.Type)
	}
}

// Send writes one complete JSON frame plus delimiter to the wire.
// Writers are serialized; partial frames never interleave.
func (b *Bridge) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.port == nil {
		return fmt.Errorf("serial not connected")
	}
	if _, err := b.port.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}

	b.monitor(string(data), comm.DirOutgoing)
	return nil
}

// monitor mirrors one raw payload to the serial monitor tap.
func (b *Bridge) monitor(message, direction string) {
	if b.pub == nil {
		return
	}
	frame := comm.MonitorFrame{
		Type:      "serial_data",
		Message:   message,
		Direction: direction,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := b.pub.Publish(comm.TopicSerialMonitor, data); err != nil {
		log.Errorf("publish monitor frame: %v", err)
	}
}

func hasUID(raw interface{}) bool {
	if raw == nil {
		return false
	}
	if s, ok := raw.(string); ok && s == "" {
		return false
	}
	return true
}
