package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// sseLine is one parsed "data: ..." SSE frame.
type sseLine struct {
	raw    string // line with trailing newline stripped
	data   string // text after "data: "
	isDone bool   // data == "[DONE]"
}

// scanSSELines reads r line by line, yielding only data frames to fn. fn
// returning false stops the scan early (used to bail out after peeking the
// first frame).
func scanSSELines(r io.Reader, fn func(sseLine) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		sl := sseLine{raw: line, data: data, isDone: data == "[DONE]"}
		if !fn(sl) {
			break
		}
	}
	return scanner.Err()
}

// firstFrameError inspects the bytes the caller peeked from the start of the
// body for an embedded error payload on the first "data:" line. Returns
// ("", false) when no error is found (forward as normal); the caller must
// still forward whatever bytes were peeked.
func firstFrameError(peeked []byte) (errType string, found bool) {
	var result string
	_ = scanSSELines(bytes.NewReader(peeked), func(sl sseLine) bool {
		if sl.isDone {
			return false
		}
		var probe struct {
			Type  string `json:"type"`
			Error *struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal([]byte(sl.data), &probe) != nil {
			return false
		}
		if probe.Type == "error" {
			result = probe.Type
			found = true
		} else if probe.Error != nil {
			result = probe.Error.Type
			found = true
		}
		return false
	})
	return result, found
}

// normalizeDeltaRole strips choices[].delta.role when it is the empty
// string, a MiniMax quirk that breaks strict OpenAI clients. Returns the
// line unchanged if role isn't present or isn't empty.
func normalizeDeltaRole(data string) string {
	var frame map[string]any
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return data
	}
	choices, ok := frame["choices"].([]any)
	if !ok {
		return data
	}
	changed := false
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		delta, ok := choice["delta"].(map[string]any)
		if !ok {
			continue
		}
		if role, ok := delta["role"].(string); ok && role == "" {
			delete(delta, "role")
			changed = true
		}
	}
	if !changed {
		return data
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return data
	}
	return string(out)
}
