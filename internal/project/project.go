// Package project defines the project entity owned by the backend and
// consumed by list/create operations.
package project

import "time"

type Project struct {
	ProjectID      int64     `json:"project_id"`
	ApplicantName  string    `json:"applicant_name"`
	Location       string    `json:"location"`
	BuildingType   string    `json:"building_type"`
	SubmissionDate time.Time `json:"submission_date"`
	Status         string    `json:"status,omitempty"`
}

type CreateRequest struct {
	ApplicantName string `json:"applicant_name"`
	Location      string `json:"location"`
	BuildingType  string `json:"building_type"`
}
