package protocol

import (
	"encoding/json"
)

// Component is a JSON chat component
type Component struct {
	Text      string      `json:"text,omitempty"`
	Translate string      `json:"translate,omitempty"`
	With      []Component `json:"with,omitempty"`
	Color     string      `json:"color,omitempty"`
	Bold      bool        `json:"bold,omitempty"`
	Italic    bool        `json:"italic,omitempty"`
	Extra     []Component `json:"extra,omitempty"`
}

// Text returns a plain text component
func Text(s string) Component {
	return Component{Text: s}
}

// Translate returns a translatable component with optional arguments
func Translate(key string, with ...Component) Component {
	return Component{Translate: key, With: with}
}

// MarshalJSON always emits a content key; clients reject a component with
// neither text nor translate.
func (c Component) MarshalJSON() ([]byte, error) {
	type plain Component
	if c.Translate != "" {
		return json.Marshal(plain(c))
	}
	return json.Marshal(struct {
		Text string `json:"text"`
		plain
	}{Text: c.Text, plain: plain(c)})
}

// String encodes the component, falling back to an empty text component
func (c Component) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return `{"text":""}`
	}
	return string(data)
}

// GenericDisconnect is the reason used when none is supplied
var GenericDisconnect = Translate("multiplayer.disconnect.generic")

// StatusDocument is the server list ping payload
type StatusDocument struct {
	Version            StatusVersion `json:"version"`
	Players            StatusPlayers `json:"players"`
	Description        Component     `json:"description"`
	Favicon            string        `json:"favicon,omitempty"`
	PreviewsChat       bool          `json:"previewsChat"`
	EnforcesSecureChat bool          `json:"enforcesSecureChat"`
}

type StatusVersion struct {
	Name     string `json:"name"`
	Protocol int32  `json:"protocol"`
}

type StatusPlayers struct {
	Max    int              `json:"max"`
	Online int              `json:"online"`
	Sample []StatusPlayerID `json:"sample,omitempty"`
}

type StatusPlayerID struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}
