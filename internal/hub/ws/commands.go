package ws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"cardbridge/internal/store"
)

// SocketMessage routes one inbound client message. Two shapes are
// accepted: the command form {"command": ..., ...} and the legacy
// card-state form {"card_type", "uid", "state"} kept for older panels.
func (s *Ws) SocketMessage(socketId string, raw []byte) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Errorf("invalid JSON from socket %s: %v", socketId, err)
		s.send(socketId, errorReply("invalid JSON"))
		return
	}

	if cmd, ok := data["command"].(string); ok {
		s.handleCommand(socketId, cmd, data)
		return
	}

	if hasKey(data, "card_type") && hasKey(data, "uid") && hasKey(data, "state") {
		s.handleLegacy(socketId, data)
		return
	}

	log.Warnf("unknown message format from socket %s", socketId)
	s.send(socketId, errorReply("unknown message format"))
}

func (s *Ws) handleCommand(socketId, cmd string, data map[string]interface{}) {
	log.Infof("socket %s command: %s", socketId, cmd)

	switch cmd {
	case "start_serial_monitor":
		s.subscribeMonitor(socketId)
		s.send(socketId, map[string]interface{}{
			"status":  "success",
			"command": cmd,
			"message": "serial monitor enabled",
		})

	case "get_card_details_by_uid":
		rawUID, ok := data["uid"]
		if !ok || rawUID == nil || rawUID == "" {
			return
		}
		s.send(socketId, s.access.LookupDetails(rawUID))

	case "list_cards":
		cards, err := s.store.List()
		if err != nil {
			log.Errorf("Error [CardStore.List] %s", err)
			s.send(socketId, commandError(cmd, "failed to list cards"))
			return
		}
		s.send(socketId, map[string]interface{}{
			"status":  "success",
			"command": cmd,
			"cards":   cards,
			"count":   len(cards),
		})

	case "upload_image":
		s.handleUploadImage(socketId, data)

	case "get_card_details":
		cardType, _ := data["card_type"].(string)
		rawUID := data["uid"]
		if cardType == "" || rawUID == nil || rawUID == "" {
			s.send(socketId, commandError(cmd, "missing card_type or uid"))
			return
		}
		card, err := s.store.GetWithImage(cardType, rawUID)
		if err != nil {
			log.Errorf("Error [CardStore.GetWithImage] %s", err)
			s.send(socketId, commandError(cmd, "failed to fetch card"))
			return
		}
		if card == nil {
			s.send(socketId, commandError(cmd, "card not found"))
			return
		}
		s.send(socketId, map[string]interface{}{
			"status":  "success",
			"command": cmd,
			"card":    card,
		})

	default:
		s.send(socketId, errorReply(fmt.Sprintf("unknown command: %s", cmd)))
	}
}

func (s *Ws) handleUploadImage(socketId string, data map[string]interface{}) {
	cardType, _ := data["card_type"].(string)
	rawUID := data["uid"]
	imageData, _ := data["image_data"].(string)
	filename, _ := data["filename"].(string)

	var missing []string
	if cardType == "" {
		missing = append(missing, "card_type")
	}
	if rawUID == nil || rawUID == "" {
		missing = append(missing, "uid")
	}
	if imageData == "" {
		missing = append(missing, "image_data")
	}
	if filename == "" {
		missing = append(missing, "filename")
	}
	if len(missing) > 0 {
		s.send(socketId, commandError("upload_image", "missing fields: "+strings.Join(missing, ", ")))
		return
	}

	// Browsers send data-URI payloads; strip the scheme prefix.
	if i := strings.IndexByte(imageData, ','); i >= 0 {
		imageData = imageData[i+1:]
	}
	imageBytes, err := base64.StdEncoding.DecodeString(imageData)
	if err != nil {
		log.Errorf("decode image from socket %s: %v", socketId, err)
		s.send(socketId, commandError("upload_image", "invalid image payload"))
		return
	}
	log.Infof("image decoded, %d bytes, file %s", len(imageBytes), filename)

	if err := s.store.SaveImage(cardType, rawUID, imageBytes, filename); err != nil {
		msg := "failed to save image"
		if errors.Is(err, store.ErrCardNotFound) {
			msg = "card does not exist"
		} else {
			log.Errorf("Error [CardStore.SaveImage] %s", err)
		}
		s.send(socketId, commandError("upload_image", msg))
		return
	}

	s.send(socketId, map[string]interface{}{
		"status":  "success",
		"command": "upload_image",
		"message": "image saved",
	})
}

// handleLegacy implements the old panel protocol: an empty state is an
// existence check, a truthy state adds the card, a falsy state removes it.
func (s *Ws) handleLegacy(socketId string, data map[string]interface{}) {
	cardType, _ := data["card_type"].(string)
	rawUID := data["uid"]
	state := data["state"]

	switch {
	case state == nil || state == "":
		exists, err := s.store.Check(cardType, rawUID)
		if err != nil {
			log.Errorf("Error [CardStore.Check] %s", err)
		}
		reply := map[string]interface{}{
			"card_type": cardType,
			"uid":       rawUID,
			"state":     0,
		}
		if exists {
			reply["state"] = 1
		}
		s.send(socketId, reply)

	case isTruthy(state):
		added, err := s.store.Add(cardType, rawUID)
		if err != nil {
			log.Errorf("Error [CardStore.Add] %s", err)
		}
		s.send(socketId, statusReply(added,
			fmt.Sprintf("card %s/%v added", cardType, rawUID),
			fmt.Sprintf("card %s/%v already exists", cardType, rawUID)))

	case isFalsy(state):
		removed, err := s.store.Remove(cardType, rawUID)
		if err != nil {
			log.Errorf("Error [CardStore.Remove] %s", err)
		}
		s.send(socketId, statusReply(removed,
			fmt.Sprintf("card %s/%v removed", cardType, rawUID),
			fmt.Sprintf("card %s/%v not found", cardType, rawUID)))
	}
}

func isTruthy(state interface{}) bool {
	switch fmt.Sprint(state) {
	case "1", "true", "True":
		return true
	}
	return false
}

func isFalsy(state interface{}) bool {
	switch fmt.Sprint(state) {
	case "0", "false", "False":
		return true
	}
	return false
}

func hasKey(data map[string]interface{}, key string) bool {
	_, ok := data[key]
	return ok
}

func errorReply(message string) map[string]interface{} {
	return map[string]interface{}{
		"status":  "error",
		"message": message,
	}
}

func commandError(cmd, message string) map[string]interface{} {
	return map[string]interface{}{
		"status":  "error",
		"command": cmd,
		"message": message,
	}
}

func statusReply(ok bool, okMsg, failMsg string) map[string]interface{} {
	if ok {
		return map[string]interface{}{"status": "success", "message": okMsg}
	}
	return map[string]interface{}{"status": "error", "message": failMsg}
}
