package api

import (
	"time"
)

type SubmitResponse struct {
	UserId string `json:"user_id"`
	Status string `json:"status"`
}

type Request struct {
	UserId         string
	Email          string
	TaskType       string
	Status         string
	SubmissionTime string
	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type ListRequestsParams struct {
	Status   string `schema:"status"`
	TaskType string `schema:"task_type"`
}

type ModelError struct {
	Model     string
	Stage     string
	Error     string
	Timestamp time.Time
}

type Results struct {
	UserId   string
	TaskType string
	Status   string

	// Metrics maps model name -> metric -> value.
	Metrics    map[string]map[string]float64
	ReportKeys []string
	Errors     []ModelError
}
