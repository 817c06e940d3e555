package a2a

import (
	"net/http"
	"strings"

	"github.com/nugget/m5bridge/internal/buildinfo"
)

// CardPath is where agents look for the card.
const CardPath = "/.well-known/agent.json"

// AgentCard is the discovery document served at CardPath.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	URL                string       `json:"url"`
	Version            string       `json:"version"`
	DefaultInputModes  []string     `json:"defaultInputModes"`
	DefaultOutputModes []string     `json:"defaultOutputModes"`
	Capabilities       Capabilities `json:"capabilities"`
	Skills             []Skill      `json:"skills"`
}

// Capabilities advertises optional protocol features. The bridge
// supports neither.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// Skill is one advertised ability.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Skills lists what the device can do, in the order agents see it.
var Skills = []Skill{
	{ID: "sensors/read", Name: "Read Sensors", Description: "Read accelerometer, gyroscope, and temperature from the device"},
	{ID: "battery/status", Name: "Battery Status", Description: "Get battery voltage, percentage, and charging status"},
	{ID: "display/show", Name: "Show on Display", Description: "Display text on the LCD screen. Parameter: text (string)"},
	{ID: "buzzer/tone", Name: "Play Tone", Description: "Play a tone on the buzzer. Parameters: freq (Hz), duration (ms)"},
	{ID: "button/status", Name: "Button Status", Description: "Get current button states (A, B, Power)"},
	{ID: "wifi/scan", Name: "WiFi Scan", Description: "Scan for nearby WiFi networks"},
}

// NewCard builds a card. An empty url is filled in per request by the
// server from the Host header.
func NewCard(name, description, url string) AgentCard {
	return AgentCard{
		Name:               name,
		Description:        description,
		URL:                strings.TrimSuffix(url, "/"),
		Version:            buildinfo.Version,
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills:             append([]Skill(nil), Skills...),
	}
}

// forRequest returns a copy of c with URL derived from r when unset.
func (c AgentCard) forRequest(r *http.Request) AgentCard {
	if c.URL != "" {
		return c
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	c.URL = scheme + "://" + r.Host
	return c
}
