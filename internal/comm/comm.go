package comm

// NATS subjects carrying traffic from the serial side to the hub.
const (
	TopicCardScanned   = "card.scanned"
	TopicSerialMonitor = "serial.monitor"
)

// Monitor tap directions.
const (
	DirIncoming = "incoming"
	DirOutgoing = "outgoing"
	DirError    = "error"
)

// DeviceMessage is a frame received from the reader over the serial link.
// CardUID is left untyped: firmware revisions send it either as a hex
// string or as an array of byte values.
type DeviceMessage struct {
	Type     string      `json:"type"` // e.g. "cardData", "ping"
	DeviceID string      `json:"deviceId"`
	CardUID  interface{} `json:"cardUID"`
	ReaderID string      `json:"readerId"`
}

// CardResponse is the device-facing reply to a cardData frame.
type CardResponse struct {
	Type          string `json:"type"` // "cardResponse"
	CardType      string `json:"cardType"`
	AccessGranted bool   `json:"accessGranted"`
	Timestamp     int64  `json:"timestamp"` // unix seconds
}

// Pong is the device-facing reply to a ping frame.
type Pong struct {
	Type      string `json:"type"` // "pong"
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

// ScanEvent is pushed to every connected dashboard client when a card is
// scanned, and is also the reply shape of the lookup-by-uid command.
type ScanEvent struct {
	Type          string  `json:"type"` // "card_scanned"
	CardUID       string  `json:"cardUID"`
	CardType      string  `json:"cardType"`
	AccessGranted bool    `json:"accessGranted"`
	HasImage      bool    `json:"hasImage"`
	ImageURL      *string `json:"imageUrl"`
	Timestamp     string  `json:"timestamp"` // ISO 8601
}

// MonitorFrame mirrors one raw serial payload to monitor subscribers.
type MonitorFrame struct {
	Type      string `json:"type"` // "serial_data"
	Message   string `json:"message"`
	Direction string `json:"direction"` // incoming | outgoing | error
	Timestamp string `json:"timestamp"` // ISO 8601
}
