package api

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexString handles JSON values that may come as strings or numbers
// and stores them as strings
type FlexString string

func (fs *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*fs = FlexString(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		if f == float64(int64(f)) {
			*fs = FlexString(strconv.FormatInt(int64(f), 10))
		} else {
			*fs = FlexString(strconv.FormatFloat(f, 'f', -1, 64))
		}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into FlexString", data)
}

// String returns the string value
func (fs FlexString) String() string {
	return string(fs)
}

// defaultPipelineResponse is the body of GET /pipelines/default.
type defaultPipelineResponse struct {
	ID FlexString `json:"id"`
}

// uploadResponse is the body of POST /uploads. Servers answer with either
// "mediaURL" or "url".
type uploadResponse struct {
	MediaURL string `json:"mediaURL"`
	URL      string `json:"url"`
}

func (r uploadResponse) location() string {
	if r.MediaURL != "" {
		return r.MediaURL
	}
	return r.URL
}

type markReadRequest struct {
	Address string `json:"address"`
}
