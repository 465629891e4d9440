package models

// Card is a registered access credential, unique per (card_type, uid).
type Card struct {
	CardType  string `json:"card_type"`
	UID       string `json:"uid"` // canonical uppercase hex
	DateAdded string `json:"date_added"`
}

// CardView is a card joined with its optional image attachment, the shape
// handed to dashboard clients and the console.
type CardView struct {
	CardType      string  `json:"card_type"`
	UID           string  `json:"uid"`
	DateAdded     string  `json:"date_added"`
	ImageFilename *string `json:"image_filename"`
	DateUploaded  *string `json:"date_uploaded,omitempty"`
	HasImage      bool    `json:"has_image"`
}
