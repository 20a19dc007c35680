package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *RenderRequest {
	return &RenderRequest{
		Title: "Ocean facts",
		Segments: []Segment{
			{
				Media:         []MediaClip{{URL: "https://images.example.com/whale.jpg", Type: "image"}},
				AudioURL:      "data:audio/mpeg;base64,SUQz",
				NarrationText: "Whales sing to each other",
				Duration:      4.5,
			},
		},
		AudioTracks: []AudioTrack{{URL: "https://cdn.example.com/bg.mp3"}},
		Resolution:  Resolution{Width: 1280, Height: 720},
	}
}

func TestValidator_AcceptsFetchableReferences(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Struct(validRequest()))
}

func TestValidator_RejectsBlobURLs(t *testing.T) {
	v := NewValidator()

	req := validRequest()
	req.Segments[0].Media[0].URL = "blob:http://localhost:5173/1b2c"
	assert.Error(t, v.Struct(req))

	req = validRequest()
	req.AudioTracks[0].URL = "file:///tmp/bg.mp3"
	assert.Error(t, v.Struct(req))
}

func TestValidator_RejectsStructuralProblems(t *testing.T) {
	v := NewValidator()

	req := validRequest()
	req.Segments = nil
	assert.Error(t, v.Struct(req))

	req = validRequest()
	req.Segments[0].Duration = 0
	assert.Error(t, v.Struct(req))

	req = validRequest()
	req.Resolution = Resolution{}
	assert.Error(t, v.Struct(req))

	req = validRequest()
	req.Segments[0].WordTimings = []WordTiming{{Word: "hi", Start: 2, End: 1}}
	assert.Error(t, v.Struct(req))
}
