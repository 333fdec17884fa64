// Package transcript assembles the provider's recognition event stream
// into an ordered, speaker-labeled transcript.
package transcript

import "strconv"

const labelAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Labeler maps opaque provider speaker ids to stable human-readable
// labels in first-seen order. State is per-session and never shared.
type Labeler struct {
	labels map[string]string
	next   int
}

// NewLabeler creates an empty per-session labeler.
func NewLabeler() *Labeler {
	return &Labeler{labels: make(map[string]string)}
}

// Resolve returns the label assigned to the given provider speaker id,
// assigning the next unused one on first sight. Labels run A..Z, then
// wrap with a numeric suffix (A2..Z2, A3, ...).
func (l *Labeler) Resolve(providerSpeakerID string) string {
	if label, ok := l.labels[providerSpeakerID]; ok {
		return label
	}

	letter := string(labelAlphabet[l.next%len(labelAlphabet)])
	round := l.next/len(labelAlphabet) + 1
	label := letter
	if round > 1 {
		label = letter + strconv.Itoa(round)
	}

	l.labels[providerSpeakerID] = label
	l.next++
	return label
}

// Count returns the number of distinct speakers seen so far.
func (l *Labeler) Count() int {
	return len(l.labels)
}
