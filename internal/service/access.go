package service

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"cardbridge/internal/comm"
	"cardbridge/internal/models"
	"cardbridge/internal/store"
	"cardbridge/internal/uid"
)

// CardTypePriority is the fixed order card types are consulted in; the
// first type holding a UID wins, deterministically.
var CardTypePriority = []string{"KEY", "WORKER", "SECURITY"}

// UnknownCardType is reported when no registered type holds the UID.
const UnknownCardType = "UNKNOWN"

// AccessService decides grant/deny for scanned UIDs and builds both the
// device-facing reply and the dashboard broadcast event.
type AccessService struct {
	store   *store.CardStore
	baseURL string // prefix for image URLs, e.g. "http://localhost:8080"
}

// NewAccessService creates a new AccessService instance.
func NewAccessService(cardStore *store.CardStore, baseURL string) *AccessService {
	return &AccessService{
		store:   cardStore,
		baseURL: baseURL,
	}
}

// Evaluate checks the scanned UID against the registry and returns the
// serial reply plus the event broadcast to every dashboard client.
func (s *AccessService) Evaluate(rawUID interface{}) (comm.CardResponse, comm.ScanEvent) {
	cardType := UnknownCardType
	granted := false

	for _, t := range CardTypePriority {
		exists, err := s.store.Check(t, rawUID)
		if err != nil {
			log.Errorf("Error [CardStore.Check] %s", err)
			continue
		}
		if exists {
			cardType = t
			granted = true
			break
		}
	}

	resp := comm.CardResponse{
		Type:          "cardResponse",
		CardType:      cardType,
		AccessGranted: granted,
		Timestamp:     time.Now().Unix(),
	}

	event := comm.ScanEvent{
		Type:          "card_scanned",
		CardUID:       displayUID(rawUID),
		CardType:      cardType,
		AccessGranted: granted,
		Timestamp:     time.Now().Format(time.RFC3339),
	}

	if card := s.findWithImage(rawUID); card != nil && card.HasImage && card.ImageFilename != nil {
		event.HasImage = true
		event.ImageURL = s.imageURL(*card.ImageFilename)
	}

	return resp, event
}

// LookupDetails serves the dashboard's lookup-by-uid command: same event
// shape as a live scan, resolved across all card types.
func (s *AccessService) LookupDetails(rawUID interface{}) comm.ScanEvent {
	event := comm.ScanEvent{
		Type:      "card_scanned",
		CardUID:   displayUID(rawUID),
		CardType:  UnknownCardType,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	card := s.findWithImage(rawUID)
	if card == nil {
		return event
	}

	event.CardType = card.CardType
	event.AccessGranted = true
	if card.HasImage && card.ImageFilename != nil {
		event.HasImage = true
		event.ImageURL = s.imageURL(*card.ImageFilename)
	}
	return event
}

// findWithImage walks the priority order and returns the first card
// registered under any type, or nil.
func (s *AccessService) findWithImage(rawUID interface{}) *models.CardView {
	for _, t := range CardTypePriority {
		card, err := s.store.GetWithImage(t, rawUID)
		if err != nil {
			log.Errorf("Error [CardStore.GetWithImage] %s", err)
			continue
		}
		if card != nil {
			return card
		}
	}
	return nil
}

func (s *AccessService) imageURL(filename string) *string {
	u := fmt.Sprintf("%s/media/%s", s.baseURL, filename)
	return &u
}

// displayUID keeps the device's original spelling when the UID came in as
// a string; list forms are shown canonically.
func displayUID(rawUID interface{}) string {
	if s, ok := rawUID.(string); ok {
		return s
	}
	return uid.ForSearch(rawUID)
}
