// Package intent classifies free-text instructions into device commands.
//
// Classification is a flat, ordered list of keyword rules. Each rule is a
// set of lowercase substrings; the first rule with any substring present
// in the lowercased input wins. Text with no match becomes [Help]. There
// is no grammar: "show me the battery" is a battery request because the
// battery rule is checked before the display rule.
package intent

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies which device command an instruction maps to.
type Kind int

// Kinds in classification priority order. Help is the fallback.
const (
	ReadSensors Kind = iota
	BatteryStatus
	ButtonStatus
	WifiScan
	Display
	Buzzer
	StatusOverview
	Help
)

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case ReadSensors:
		return "read_sensors"
	case BatteryStatus:
		return "battery_status"
	case ButtonStatus:
		return "button_status"
	case WifiScan:
		return "wifi_scan"
	case Display:
		return "display"
	case Buzzer:
		return "buzzer"
	case StatusOverview:
		return "status_overview"
	case Help:
		return "help"
	default:
		return "unknown"
	}
}

// Defaults used when the instruction carries no explicit value.
const (
	DefaultDisplayText = "Hello!"
	DefaultFrequency   = 1000 // Hz
	DefaultDuration    = 200  // ms
)

// Intent is a classified instruction. Text is only meaningful for
// Display; Frequency and Duration only for Buzzer.
type Intent struct {
	Kind      Kind
	Text      string
	Frequency int
	Duration  int
}

// Rule maps a keyword set to an Intent constructor. Build receives the
// original-case input so payload extraction can preserve case.
type Rule struct {
	Name     string
	Keywords []string
	Build    func(original string) Intent
}

// Matches reports whether any keyword occurs in lowered, which must
// already be lowercase.
func (r Rule) Matches(lowered string) bool {
	for _, kw := range r.Keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func fixed(k Kind) func(string) Intent {
	return func(string) Intent { return Intent{Kind: k} }
}

// Rules is the classification table, evaluated top to bottom. Order is
// the only tie-break between rules, so reordering entries changes
// behavior.
var Rules = []Rule{
	{Name: "sensors", Keywords: []string{"sensor", "accelerometer", "gyro", "temperature"}, Build: fixed(ReadSensors)},
	{Name: "battery", Keywords: []string{"battery", "power", "charge"}, Build: fixed(BatteryStatus)},
	{Name: "buttons", Keywords: []string{"button"}, Build: fixed(ButtonStatus)},
	{Name: "wifi", Keywords: []string{"wifi", "scan", "network"}, Build: fixed(WifiScan)},
	{Name: "display", Keywords: []string{"display", "show", "text"}, Build: func(original string) Intent {
		return Intent{Kind: Display, Text: ExtractDisplayText(original)}
	}},
	{Name: "buzzer", Keywords: []string{"beep", "tone", "buzzer", "sound"}, Build: func(original string) Intent {
		freq, dur := ExtractTone(original)
		return Intent{Kind: Buzzer, Frequency: freq, Duration: dur}
	}},
	{Name: "status", Keywords: []string{"status", "info", "hello"}, Build: fixed(StatusOverview)},
}

// Classify returns the Intent for text. It never fails.
func Classify(text string) Intent {
	lowered := strings.ToLower(text)
	for _, r := range Rules {
		if r.Matches(lowered) {
			return r.Build(text)
		}
	}
	return Intent{Kind: Help}
}

var (
	displayPattern   = regexp.MustCompile(`(?i)(?:display|show)\s+["']?(.+?)["']?\s*$`)
	frequencyPattern = regexp.MustCompile(`(?i)(\d+)\s*(?:hz|hertz)`)
	durationPattern  = regexp.MustCompile(`(?i)(\d+)\s*(?:ms|millisecond)`)
)

// ExtractDisplayText returns the payload following "display" or "show",
// with one optional surrounding quote stripped from each end. It returns
// DefaultDisplayText when nothing follows the verb.
func ExtractDisplayText(text string) string {
	m := displayPattern.FindStringSubmatch(text)
	if m == nil {
		return DefaultDisplayText
	}
	return m[1]
}

// ExtractTone scans text for a frequency ("2000hz", "440 hertz") and a
// duration ("500ms", "50 milliseconds"). The two scans are independent;
// each falls back to its default when absent or out of int range.
func ExtractTone(text string) (freq, duration int) {
	return firstInt(frequencyPattern, text, DefaultFrequency),
		firstInt(durationPattern, text, DefaultDuration)
}

func firstInt(re *regexp.Regexp, text string, def int) int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return def
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return def
	}
	return n
}
