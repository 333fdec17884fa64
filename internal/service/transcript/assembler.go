package transcript

import (
	"strings"
	"sync"
	"time"

	"live-transcribe-service/internal/models"
	"live-transcribe-service/internal/service/provider"
)

// defaultTurnConfidence is used when a final turn carries no word-level
// confidences; the wire protocol does not guarantee them on every message.
const defaultTurnConfidence = 0.8

// Update is the outcome of applying one recognition event.
type Update struct {
	Text           string
	FullTranscript string
	Confidence     float64
	Speaker        string
	IsFinal        bool
	TurnOrder      int
	EndOfTurn      bool
	IsFormatted    bool

	// Duplicate marks a final event for an already-finalized turn order;
	// nothing should be surfaced.
	Duplicate bool

	// Block is the appended transcript block, set only on finalization.
	Block *models.TranscriptBlock
}

// Assembler converts the recognition event stream into a monotonically
// growing, speaker-segmented transcript. Finalization is idempotent per
// turn order; finalized text never changes.
type Assembler struct {
	mu        sync.Mutex
	labeler   *Labeler
	blocks    []models.TranscriptBlock
	finalized map[int]bool
	partial   string
}

// NewAssembler creates an assembler with its own per-session labeler.
func NewAssembler() *Assembler {
	return &Assembler{
		labeler:   NewLabeler(),
		finalized: make(map[int]bool),
	}
}

// Apply folds one turn event into the transcript state.
//
// Non-final events overwrite the in-memory current partial and leave the
// persisted transcript untouched. Final events append exactly one block
// per turn order; a duplicate final delivery is ignored.
func (a *Assembler) Apply(turn provider.TurnEvent) Update {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !turn.EndOfTurn {
		a.partial = turn.Transcript
		return Update{
			Text:           turn.Transcript,
			FullTranscript: a.renderLocked(),
			Confidence:     meanConfidence(turn.Words),
			IsFinal:        false,
			TurnOrder:      turn.TurnOrder,
		}
	}

	if a.finalized[turn.TurnOrder] {
		return Update{Duplicate: true, TurnOrder: turn.TurnOrder}
	}
	a.finalized[turn.TurnOrder] = true
	a.partial = ""

	speaker := ""
	if id := dominantSpeaker(turn.Words); id != "" {
		speaker = "Speaker " + a.labeler.Resolve(id)
	}

	block := models.TranscriptBlock{
		Speaker:    speaker,
		Text:       turn.Transcript,
		TurnOrder:  turn.TurnOrder,
		Confidence: meanConfidence(turn.Words),
		Timestamp:  time.Now().UnixMilli(),
	}
	if strings.TrimSpace(turn.Transcript) != "" {
		a.blocks = append(a.blocks, block)
	}

	return Update{
		Text:           turn.Transcript,
		FullTranscript: a.renderLocked(),
		Confidence:     block.Confidence,
		Speaker:        speaker,
		IsFinal:        true,
		TurnOrder:      turn.TurnOrder,
		EndOfTurn:      true,
		IsFormatted:    turn.TurnIsFormatted,
		Block:          &block,
	}
}

// Blocks returns a copy of the finalized transcript blocks in turn order.
func (a *Assembler) Blocks() []models.TranscriptBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.TranscriptBlock, len(a.blocks))
	copy(out, a.blocks)
	return out
}

// FullTranscript renders the finalized transcript as speaker-prefixed lines.
func (a *Assembler) FullTranscript() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.renderLocked()
}

// CurrentPartial returns the live partial hypothesis for the current turn.
func (a *Assembler) CurrentPartial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.partial
}

// SpeakerCount returns the number of distinct speakers labeled so far.
func (a *Assembler) SpeakerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.labeler.Count()
}

func (a *Assembler) renderLocked() string {
	var b strings.Builder
	for i, block := range a.blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		if block.Speaker != "" {
			b.WriteString(block.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(block.Text)
	}
	return b.String()
}

// dominantSpeaker returns the most frequent speaker id among the words
// that carry one, breaking ties by first occurrence.
func dominantSpeaker(words []provider.Word) string {
	counts := make(map[string]int)
	var order []string
	for _, w := range words {
		if w.Speaker == "" {
			continue
		}
		if counts[w.Speaker] == 0 {
			order = append(order, w.Speaker)
		}
		counts[w.Speaker]++
	}

	best := ""
	for _, id := range order {
		if best == "" || counts[id] > counts[best] {
			best = id
		}
	}
	return best
}

// meanConfidence averages the word confidences present on the event,
// falling back to a fixed default when none are.
func meanConfidence(words []provider.Word) float64 {
	sum := 0.0
	n := 0
	for _, w := range words {
		if w.Confidence > 0 {
			sum += w.Confidence
			n++
		}
	}
	if n == 0 {
		return defaultTurnConfidence
	}
	return sum / float64(n)
}
