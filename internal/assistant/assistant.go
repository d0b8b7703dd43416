// Package assistant holds the optional generative collaborators of the
// physician screen: a short clinical summary of the chart and a spoken
// rendition of it. Neither is required by any workflow step.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrDisabled is returned when no assistant is configured.
var ErrDisabled = errors.New("assistant is not configured")

// Note is the clinical context a summary is written from.
type Note struct {
	PatientName string
	Age         int
	Diagnosis   string
	// Medications are display lines such as "Insulin Lantus (4 pens (1200 units))".
	Medications []string
}

// Prompt renders n as the instruction sent to the text model.
func (n Note) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient: %s, Age: %d.\n", n.PatientName, n.Age)
	fmt.Fprintf(&b, "Diagnosis: %s.\n", n.Diagnosis)
	fmt.Fprintf(&b, "Medications: %s.\n\n", strings.Join(n.Medications, ", "))
	b.WriteString("Provide a very short medical summary in Arabic (max 100 words).\n")
	b.WriteString("Mention if the insulin dose seems appropriate for age.")
	return b.String()
}

// Summarizer writes a free-text summary of a chart.
type Summarizer interface {
	Summarize(ctx context.Context, n Note) (string, error)
}

// Speaker turns text into audio.
type Speaker interface {
	Speak(ctx context.Context, text string) (*Audio, error)
}

// Audio is signed 16-bit little-endian PCM held by a session until it is
// released.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int

	mu       sync.Mutex
	released bool
}

// Release drops the audio buffer. It is safe to call more than once.
func (a *Audio) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PCM = nil
	a.released = true
}

// Released reports whether Release has been called.
func (a *Audio) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// DurationMillis returns the playing time in milliseconds.
func (a *Audio) DurationMillis() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	frame := int64(a.Channels * 2)
	if frame == 0 || a.SampleRate == 0 {
		return 0
	}
	return int64(len(a.PCM)) / frame * 1000 / int64(a.SampleRate)
}
