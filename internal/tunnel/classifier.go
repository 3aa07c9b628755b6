package tunnel

import "strings"

// Signal is what one line of tunnel client output means for startup.
type Signal int

// Output classes. SignalNone covers the "still connecting" chatter.
const (
	SignalNone Signal = iota
	SignalReady
	SignalFatal
)

func (s Signal) String() string {
	switch s {
	case SignalReady:
		return "ready"
	case SignalFatal:
		return "fatal"
	}
	return "none"
}

// Classifier maps tunnel client output lines to signals. Readiness detection
// is a text heuristic on a foreign log format, so it lives behind this seam.
type Classifier interface {
	Classify(line string) Signal
}

// MarkerClassifier matches fixed substrings. Ready markers win over fatal ones.
type MarkerClassifier struct {
	Ready []string
	Fatal []string
}

// DefaultClassifier understands cloudflared output.
var DefaultClassifier = MarkerClassifier{
	Ready: []string{"Registered tunnel connection"},
	Fatal: []string{" ERR ", "error=", "failed to"},
}

// Classify implements [Classifier].
func (c MarkerClassifier) Classify(line string) Signal {
	for _, m := range c.Ready {
		if m != "" && strings.Contains(line, m) {
			return SignalReady
		}
	}
	for _, m := range c.Fatal {
		if m != "" && strings.Contains(line, m) {
			return SignalFatal
		}
	}
	return SignalNone
}
