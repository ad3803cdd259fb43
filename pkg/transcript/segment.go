package transcript

// Segment is one span of transcribed text, partial or final.
type Segment struct {
	SegmentID  string  `json:"segmentId"`
	Text       string  `json:"text"`
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
	IsFinal    bool    `json:"isFinal"`
	SpeakerID  string  `json:"speakerId,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Stats summarizes a payload's segment list.
type Stats struct {
	TotalSegments   int     `json:"totalSegments"`
	FinalSegments   int     `json:"finalSegments"`
	PartialSegments int     `json:"partialSegments"`
	TotalDuration   float64 `json:"totalDuration"`
	BufferSizeChars int     `json:"bufferSizeChars"`
}

// Payload is the deliverable snapshot of a buffer at flush time.
type Payload struct {
	SessionID          string         `json:"sessionId"`
	MeetingMetadata    map[string]any `json:"meetingMetadata"`
	Timestamp          string         `json:"timestamp"`
	TranscriptSegments []Segment      `json:"transcriptSegments"`
	FullTranscript     string         `json:"fullTranscript"`
	Stats              Stats          `json:"stats"`
	IsFinal            bool           `json:"isFinal,omitempty"`
}
