package fallback

import (
	"github.com/Sternrassler/geoquota/pkg/provider"
	"github.com/Sternrassler/geoquota/pkg/ratelimit"
)

// Context is the user-facing feature a message is about.
type Context string

const (
	ContextGeneral   Context = "general"
	ContextRouting   Context = "routing"
	ContextGeocoding Context = "geocoding"
	ContextMaps      Context = "maps"
)

// Level is the severity of a buffer message.
type Level string

const (
	LevelYellow  Level = "yellow"
	LevelRed     Level = "red"
	LevelBlocked Level = "blocked"
)

// LevelOf maps a quota decision to a message level. Allowed decisions
// without a warning have no level.
func LevelOf(d ratelimit.Decision) Level {
	switch {
	case d.Blocked():
		return LevelBlocked
	case d.WarningLevel == ratelimit.LevelRed:
		return LevelRed
	case d.WarningLevel == ratelimit.LevelYellow:
		return LevelYellow
	default:
		return ""
	}
}

// Message is a templated notice shown to end users instead of provider
// errors.
type Message struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Message       string   `json:"message"`
	Action        string   `json:"action"`
	Icon          string   `json:"icon"`
	ShowProgress  bool     `json:"show_progress"`
	EstimatedWait string   `json:"estimated_wait,omitempty"`
	Alternatives  []string `json:"alternatives"`
}

type template struct {
	title, message, action string
}

var templates = map[Context]map[Level]template{
	ContextGeneral: {
		LevelYellow: {
			"High system load",
			"We are processing many requests right now. Your request may take a little longer.",
			"Please be patient.",
		},
		LevelRed: {
			"Critical system load",
			"The system is under heavy load. Important requests are prioritised.",
			"Only urgent actions are processed quickly at the moment.",
		},
		LevelBlocked: {
			"Service temporarily unavailable",
			"The requested service is temporarily unavailable due to high load.",
			"Please try again in a few minutes.",
		},
	},
	ContextRouting: {
		LevelYellow: {
			"Route calculation slowed down",
			"Calculating your route may take longer than usual.",
			"We are calculating the best route for you.",
		},
		LevelRed: {
			"Limited route calculation",
			"Live traffic data is currently unavailable. We show the best estimated route.",
			"Alternative routes are calculated with priority.",
		},
		LevelBlocked: {
			"Route calculation unavailable",
			"Route calculation is temporarily unavailable. We show an estimated straight-line route.",
			"Use another navigation aid for the exact route.",
		},
	},
	ContextGeocoding: {
		LevelYellow: {
			"Address search slowed down",
			"Address search may take a little longer at the moment.",
			"Addresses searched before are found faster.",
		},
		LevelRed: {
			"Limited address search",
			"New addresses can only be searched to a limited extent right now.",
			"Use known addresses where possible.",
		},
		LevelBlocked: {
			"Address search unavailable",
			"Address search is temporarily unavailable.",
			"Only stored addresses are available.",
		},
	},
}

var alternatives = map[Context][]string{
	ContextRouting:   {"Show straight-line route", "Use external navigation", "Plan the route later"},
	ContextGeocoding: {"Choose a known address", "Enter coordinates manually", "Try again later"},
	ContextMaps:      {"Simple map view", "Show list of stops", "Use an external map app"},
}

// BufferMessage returns the user-facing message for provider p in context
// c at level. Unknown contexts use the general texts and unknown levels
// the blocked ones.
func BufferMessage(p provider.Provider, c Context, level Level) Message {
	byLevel, ok := templates[c]
	if !ok {
		byLevel = templates[ContextGeneral]
	}
	t, ok := byLevel[level]
	if !ok {
		t = byLevel[LevelBlocked]
	}

	alts, ok := alternatives[c]
	if !ok {
		alts = []string{"Try again later"}
	}

	return Message{
		Type:          messageType(level),
		Title:         t.title,
		Message:       t.message,
		Action:        t.action,
		Icon:          icon(level),
		ShowProgress:  level != LevelBlocked,
		EstimatedWait: estimatedWait(p, level),
		Alternatives:  append([]string(nil), alts...),
	}
}

func messageType(l Level) string {
	switch l {
	case LevelYellow:
		return "warning"
	case LevelRed:
		return "error"
	case LevelBlocked:
		return "blocked"
	default:
		return "info"
	}
}

func icon(l Level) string {
	switch l {
	case LevelYellow:
		return "warning"
	case LevelRed:
		return "alert"
	case LevelBlocked:
		return "blocked"
	default:
		return "info"
	}
}

func estimatedWait(p provider.Provider, l Level) string {
	switch l {
	case LevelYellow:
		return "about 30 seconds"
	case LevelRed:
		return "about 1-2 minutes"
	case LevelBlocked:
		switch p {
		case provider.Maps:
			return "until tomorrow morning"
		case provider.Geocoder:
			return "in a few minutes"
		default:
			return "in 1-2 hours"
		}
	default:
		return ""
	}
}
