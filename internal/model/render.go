package model

// RenderRequest is the script submitted to POST /render
type RenderRequest struct {
	Title       string       `json:"title" validate:"max=200"`
	Segments    []Segment    `json:"segments" validate:"required,min=1,dive"`
	AudioTracks []AudioTrack `json:"audioTracks" validate:"omitempty,dive"`
	Resolution  Resolution   `json:"resolution" validate:"required"`
}

// Segment is one scene of the script
type Segment struct {
	Media         []MediaClip  `json:"media" validate:"required,min=1,dive"`
	AudioURL      string       `json:"audioUrl,omitempty" validate:"omitempty,fetchable"`
	NarrationText string       `json:"narration_text,omitempty"`
	WordTimings   []WordTiming `json:"wordTimings,omitempty" validate:"omitempty,dive"`
	Duration      float64      `json:"duration" validate:"required,gt=0"`

	// Language is filled in server side before the payload reaches the engine.
	Language string `json:"language,omitempty" validate:"-"`
}

// MediaClip references an image or video shown during a segment
type MediaClip struct {
	URL      string  `json:"url" validate:"required,fetchable"`
	Type     string  `json:"type,omitempty" validate:"omitempty,oneof=image video"`
	Duration float64 `json:"duration,omitempty" validate:"omitempty,gte=0"`
}

// WordTiming marks when a narrated word is spoken, in seconds from segment start
type WordTiming struct {
	Word  string  `json:"word" validate:"required"`
	Start float64 `json:"start" validate:"gte=0"`
	End   float64 `json:"end" validate:"gtefield=Start"`
}

// AudioTrack is a standalone track mixed under the whole video
type AudioTrack struct {
	URL    string   `json:"url" validate:"required,fetchable"`
	Volume *float64 `json:"volume,omitempty" validate:"omitempty,gte=0,lte=2"`
	Start  float64  `json:"start,omitempty" validate:"gte=0"`
}

// Resolution of the output video in pixels
type Resolution struct {
	Width  int `json:"width" validate:"required,min=16,max=3840"`
	Height int `json:"height" validate:"required,min=16,max=3840"`
}

// RenderStartResponse is returned when a job is admitted
type RenderStartResponse struct {
	JobID string `json:"jobId"`
}

// RenderStatusResponse is returned by GET /status/:jobId
type RenderStatusResponse struct {
	Status   JobStatus `json:"status"`
	VideoURL string    `json:"videoUrl,omitempty"`
	Error    string    `json:"error,omitempty"`
}
