package protocol

import (
	"encoding/json"
	"io"
	"strconv"
)

func GetSockAddress() string {
	return "/var/run/framewatch.sock"
}

type Action string

const (
	ActionStatus Action = "STATUS"
)

type Req struct {
	Action Action            `json:"action"`
	Params map[string]string `json:"params"`
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

type Res struct {
	Status Status            `json:"status"`
	Error  string            `json:"error"`
	Extras map[string]string `json:"extras"`
}

// StatusRes is the decoded form of a STATUS reply's extras.
type StatusRes struct {
	Session     string
	State       string
	Frames      uint64
	FPS         float64
	DarkFrames  uint64
	MapFailures uint64
	BlobFound   bool
	BlobX       int
	BlobY       int
}

func ReadReq(r io.Reader) (*Req, error) {
	var req Req
	err := json.NewDecoder(r).Decode(&req)
	return &req, err
}

func ReadRes(r io.Reader) (*Res, error) {
	var res Res
	err := json.NewDecoder(r).Decode(&res)
	return &res, err
}

func WriteStatusReq(w io.Writer, client string) error {
	req := Req{
		Action: ActionStatus,
		Params: map[string]string{
			"client": client,
		},
	}
	return json.NewEncoder(w).Encode(&req)
}

func WriteStatusRes(w io.Writer, s *StatusRes) error {
	extras := map[string]string{
		"session":      s.Session,
		"state":        s.State,
		"frames":       strconv.FormatUint(s.Frames, 10),
		"fps":          strconv.FormatFloat(s.FPS, 'f', 2, 64),
		"dark_frames":  strconv.FormatUint(s.DarkFrames, 10),
		"map_failures": strconv.FormatUint(s.MapFailures, 10),
	}
	if s.BlobFound {
		extras["blob_x"] = strconv.Itoa(s.BlobX)
		extras["blob_y"] = strconv.Itoa(s.BlobY)
	}
	return WriteSuccessRes(w, extras)
}

// ToStatusRes parses the extras of a successful STATUS reply. Malformed
// numbers decode as zero.
func ToStatusRes(res *Res) *StatusRes {
	e := res.Extras
	s := &StatusRes{
		Session: e["session"],
		State:   e["state"],
	}
	s.Frames, _ = strconv.ParseUint(e["frames"], 10, 64)
	s.FPS, _ = strconv.ParseFloat(e["fps"], 64)
	s.DarkFrames, _ = strconv.ParseUint(e["dark_frames"], 10, 64)
	s.MapFailures, _ = strconv.ParseUint(e["map_failures"], 10, 64)

	x, errX := strconv.Atoi(e["blob_x"])
	y, errY := strconv.Atoi(e["blob_y"])
	if errX == nil && errY == nil {
		s.BlobFound, s.BlobX, s.BlobY = true, x, y
	}
	return s
}

func WriteSuccessRes(w io.Writer, extras map[string]string) error {
	res := Res{
		Status: StatusSuccess,
		Extras: extras,
	}
	return json.NewEncoder(w).Encode(&res)
}

func WriteErrorRes(w io.Writer, err error) error {
	res := Res{
		Status: StatusError,
		Error:  err.Error(),
	}
	return json.NewEncoder(w).Encode(&res)
}
