package download

import "time"

// Kind names an orchestrator event.
type Kind string

const (
	KindListing         Kind = "listing"
	KindFiltered        Kind = "filtered"
	KindBatchStart      Kind = "batch-start"
	KindStart           Kind = "start"
	KindProgress        Kind = "progress"
	KindComplete        Kind = "complete"
	KindError           Kind = "error"
	KindExtractStart    Kind = "extract-start"
	KindExtractComplete Kind = "extract-complete"
	KindExtractError    Kind = "extract-error"
	KindBatchComplete   Kind = "batch-complete"
)

// Event is one step of an entry's pipeline. Which fields are set depends on
// Kind; System, Label and BatchID are always set.
type Event struct {
	Kind    Kind   `json:"kind"`
	BatchID string `json:"batch_id"`
	System  string `json:"system"`
	Label   string `json:"label"`

	// File is empty for entry-level events.
	File  string   `json:"file,omitempty"`
	Path  string   `json:"path,omitempty"`
	Files []string `json:"files,omitempty"`

	// listing / filtered / batch-complete counters
	Total      int `json:"total,omitempty"`
	ToDownload int `json:"to_download,omitempty"`
	Skipped    int `json:"skipped,omitempty"`
	Filtered   int `json:"filtered,omitempty"`
	Success    int `json:"success,omitempty"`
	Failed     int `json:"failed,omitempty"`

	// Bytes is the bytes moved: per file on progress/complete, summed on
	// batch-complete. Size is the expected or final file size, -1 if unknown.
	Bytes   int64         `json:"bytes,omitempty"`
	Size    int64         `json:"size,omitempty"`
	Speed   float64       `json:"speed,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`

	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// IsFileError reports whether the event is a failed file fetch, as opposed
// to an entry-level failure.
func (e Event) IsFileError() bool {
	return e.Kind == KindError && e.File != ""
}
