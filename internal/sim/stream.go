package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"sentinelvnc/internal/detect"
)

// WriteJSONL writes events one JSON object per line, the same stream
// layout the forensic tooling consumes.
func WriteJSONL(w io.Writer, events []detect.Event) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("sim: encode event: %w", err)
		}
	}
	return nil
}

// ReadJSONL decodes an event stream written by WriteJSONL.
func ReadJSONL(r io.Reader) ([]detect.Event, error) {
	dec := json.NewDecoder(r)
	var events []detect.Event
	for {
		var ev detect.Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, fmt.Errorf("sim: decode event %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
}
