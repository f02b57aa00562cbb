package study

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// transcriptLimit caps the transcript text sent to the model, in bytes.
const transcriptLimit = 50000

// TimelineEntry is one topic of a video and where it starts.
type TimelineEntry struct {
	Time  string `json:"time"`
	Label string `json:"label"`
}

// VideoAnalysis is the structured study summary of a video transcript.
type VideoAnalysis struct {
	Summary     string          `json:"summary"`
	Timeline    []TimelineEntry `json:"timeline"`
	KeyConcepts []string        `json:"key_concepts"`
}

// AnalyzeTranscript turns a video transcript into a summary, a topic
// timeline and the key concepts.
func (g *Generator) AnalyzeTranscript(ctx context.Context, transcript string) (*VideoAnalysis, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, ErrEmptyInput
	}
	prompt := `Analyze the following YouTube video transcript and provide a structured study summary.

Respond with only a JSON object with the fields "summary" (a concise overview of the video content), "timeline" (array of objects with "time", a timestamp such as "02:30", and "label", the topic discussed) and "keyConcepts" (array of strings: major definitions or formulas).

Transcript:
` + truncate(transcript, transcriptLimit)

	raw, err := g.complete(ctx, "video_analysis", g.fastModel, "", prompt)
	if err != nil {
		return nil, err
	}

	var wire struct {
		Summary     string          `json:"summary"`
		Timeline    []TimelineEntry `json:"timeline"`
		KeyConcepts []string        `json:"keyConcepts"`
	}
	if err := decodeJSON(raw, &wire); err != nil {
		return nil, err
	}
	if strings.TrimSpace(wire.Summary) == "" {
		return nil, fmt.Errorf("%w: analysis has no summary", ErrMalformedOutput)
	}
	out := &VideoAnalysis{Summary: wire.Summary, Timeline: []TimelineEntry{}, KeyConcepts: []string{}}
	for _, e := range wire.Timeline {
		if strings.TrimSpace(e.Label) != "" {
			out.Timeline = append(out.Timeline, e)
		}
	}
	for _, c := range wire.KeyConcepts {
		if c = strings.TrimSpace(c); c != "" {
			out.KeyConcepts = append(out.KeyConcepts, c)
		}
	}
	return out, nil
}

// PodcastScript rewrites a transcript as a short single-host educational
// podcast script.
func (g *Generator) PodcastScript(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", ErrEmptyInput
	}
	prompt := `Convert this video transcript into a short, engaging educational podcast script (approx 3-5 minutes read time).
It should have a Host explaining the concepts clearly to the listener.
Use analogies and keep it conversational.

Transcript:
` + truncate(transcript, transcriptLimit)

	return g.complete(ctx, "podcast", g.fastModel, "", prompt)
}

// videoIDPattern captures the ID part of the common YouTube URL shapes.
var videoIDPattern = regexp.MustCompile(`^.*(youtu\.be/|v/|u/\w/|embed/|watch\?v=|&v=)([^#&?]*).*`)

// VideoID extracts the 11-character video ID from a YouTube URL, or "".
func VideoID(url string) string {
	m := videoIDPattern.FindStringSubmatch(url)
	if m == nil || len(m[2]) != 11 {
		return ""
	}
	return m[2]
}

// VideoTitle names the material saved for an analyzed video: by its ID when
// url is a YouTube link, otherwise by the time of analysis.
func VideoTitle(url string, at time.Time) string {
	if id := VideoID(url); id != "" {
		return fmt.Sprintf("YouTube Video (%s)", id)
	}
	return "Video Analysis " + at.Format(time.TimeOnly)
}
