package server

import (
	"interlock/internal/domain"
	"interlock/internal/engine"
)

// Request payloads

type BeginRunRequest struct {
	RunID       *string `json:"run_id,omitempty"`
	SubjectID   string  `json:"subject_id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

// Response payloads

type RunResponse struct {
	ID        string `json:"run_id"`
	SubjectID string `json:"subject_id"`
	Stage     string `json:"stage"`
	Status    string `json:"status" enum:"active,complete,fail_closed"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type BeginRunResponse struct {
	Run      RunResponse     `json:"run"`
	Snapshot domain.Snapshot `json:"snapshot"`
	Guidance string          `json:"guidance"`
}

type EventResponse struct {
	RunID   string `json:"run_id"`
	Seq     int64  `json:"sequence_number"`
	Type    string `json:"event_type"`
	Stage   string `json:"stage"`
	TS      string `json:"timestamp" format:"date-time"`
	Payload string `json:"payload_json"`
}

type EventListResponse struct {
	Events     []EventResponse `json:"events"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

func toRunResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:        r.ID,
		SubjectID: r.SubjectID,
		Stage:     string(r.Stage),
		Status:    r.Status(),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func toBeginResponse(res engine.BeginResult) BeginRunResponse {
	return BeginRunResponse{
		Run:      toRunResponse(res.Run),
		Snapshot: res.Snapshot,
		Guidance: res.Guidance,
	}
}

func toEventResponses(events []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(events))
	for _, e := range events {
		res = append(res, EventResponse{
			RunID:   e.RunID,
			Seq:     e.Seq,
			Type:    e.Type,
			Stage:   string(e.Stage),
			TS:      e.TS,
			Payload: e.Payload,
		})
	}
	return res
}
