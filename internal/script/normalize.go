// Package script prepares an accepted render request for the engine:
// narration text is NFC normalized, missing word timings are estimated and
// each segment gets a language hint for subtitle font selection.
package script

import (
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/unicode/norm"

	"github.com/magistory/render-server/internal/model"
)

// minDetectRunes is the shortest narration worth running detection on;
// shorter samples produce noise.
const minDetectRunes = 12

// Normalize returns a copy of req ready for the engine. req is not modified.
func Normalize(req *model.RenderRequest) *model.RenderRequest {
	out := *req
	out.Title = norm.NFC.String(strings.TrimSpace(req.Title))
	out.Segments = make([]model.Segment, len(req.Segments))
	out.AudioTracks = append([]model.AudioTrack(nil), req.AudioTracks...)

	for i, seg := range req.Segments {
		seg.Media = append([]model.MediaClip(nil), seg.Media...)
		seg.NarrationText = norm.NFC.String(strings.TrimSpace(seg.NarrationText))

		if len(seg.WordTimings) > 0 {
			seg.WordTimings = append([]model.WordTiming(nil), seg.WordTimings...)
		} else if seg.NarrationText != "" {
			seg.WordTimings = EstimateWordTimings(seg.NarrationText, seg.Duration)
		}

		seg.Language = DetectLanguage(seg.NarrationText)
		out.Segments[i] = seg
	}

	return &out
}

// EstimateWordTimings spreads duration over the words of text in proportion
// to their length in runes. The last word ends exactly at duration.
func EstimateWordTimings(text string, duration float64) []model.WordTiming {
	words := strings.Fields(text)
	if len(words) == 0 || duration <= 0 {
		return nil
	}

	total := 0
	weights := make([]int, len(words))
	for i, w := range words {
		// punctuation-only tokens still take a beat
		weights[i] = utf8.RuneCountInString(w) + 1
		total += weights[i]
	}

	timings := make([]model.WordTiming, len(words))
	start := 0.0
	acc := 0
	for i, w := range words {
		acc += weights[i]
		end := duration * float64(acc) / float64(total)
		if i == len(words)-1 {
			end = duration
		}
		timings[i] = model.WordTiming{Word: w, Start: start, End: end}
		start = end
	}
	return timings
}

// DetectLanguage returns the ISO 639-1 code of text, or "" when the sample is
// too short or detection is unreliable.
func DetectLanguage(text string) string {
	if utf8.RuneCountInString(text) < minDetectRunes {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
