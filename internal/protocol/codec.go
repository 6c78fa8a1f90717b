package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var pingFrame = []byte(`{"type":"ping"}`)

// Decode parses one text frame. A frame without a type is an error; a frame
// with an unknown type is returned as is and left to the caller to ignore.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	if f.Type == "" {
		return Frame{}, errors.New("decode frame: missing type")
	}
	return f, nil
}

func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", f.Type)
	}
	return data, nil
}

// PingFrame returns the encoded liveness ping.
func PingFrame() []byte {
	out := make([]byte, len(pingFrame))
	copy(out, pingFrame)
	return out
}

// Chunk splits pvs into consecutive slices of at most size entries, keeping
// input order. A size of 0 disables chunking. A request that fits, an empty
// one included, stays a single chunk.
func Chunk(pvs []string, size int) [][]string {
	if size <= 0 || len(pvs) <= size {
		return [][]string{pvs}
	}
	chunks := make([][]string, 0, (len(pvs)+size-1)/size)
	for i := 0; i < len(pvs); i += size {
		end := min(i+size, len(pvs))
		chunks = append(chunks, pvs[i:end:end])
	}
	return chunks
}

// command is the outbound monitor/clear frame. Unlike Frame it always
// carries the pvs array.
type command struct {
	Type MessageType `json:"type"`
	PVs  []string    `json:"pvs"`
}

// CommandFrames encodes a monitor or clear request for pvs, one frame per
// entry of Chunk(pvs, chunkSize) and in the same order.
func CommandFrames(t MessageType, pvs []string, chunkSize int) ([][]byte, error) {
	if t != MsgMonitor && t != MsgClear {
		return nil, errors.Errorf("not a pv command: %q", t)
	}
	chunks := Chunk(pvs, chunkSize)
	frames := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk == nil {
			chunk = []string{}
		}
		data, err := json.Marshal(command{Type: t, PVs: chunk})
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s frame", t)
		}
		frames = append(frames, data)
	}
	return frames, nil
}
