package models

import (
	"time"
)

// Actor is the identity an audit entry or a forwarded HIE request is attributed to.
type Actor struct {
	Email        string `json:"user_email"`
	Name         string `json:"doctor_name"`
	Organization string `json:"hospital"`
}

// MedicalRecord is a stored record with the national ID already decrypted.
type MedicalRecord struct {
	ID              int64      `json:"id"`
	PatientNo       string     `json:"patient_no"`
	Name            string     `json:"name"`
	Gender          string     `json:"gender"`
	NationalID      string     `json:"ssn"`
	Address         string     `json:"address"`
	Department      string     `json:"department"`
	DiseaseCode     string     `json:"disease_code"`
	Diagnosis       string     `json:"diagnosis"`
	VisitStart      *time.Time `json:"visit_start"`
	VisitEnd        *time.Time `json:"visit_end"`
	Description     string     `json:"description"`
	Note            string     `json:"note"`
	DoctorName      string     `json:"doctor_name"`
	Hospital        string     `json:"hospital"`
	HospitalAddress string     `json:"hospital_address"`
	IssueDate       *time.Time `json:"issue_date"`
	CreatedAt       time.Time  `json:"created_at"`
}

// MaskedRecord is the only shape a search response carries. It has no
// fields for the original values.
type MaskedRecord struct {
	ID          int64      `json:"id"`
	PatientNo   string     `json:"patient_no"`
	Name        string     `json:"name"`
	Gender      string     `json:"gender"`
	NationalID  string     `json:"ssn"`
	Address     string     `json:"address"`
	Department  string     `json:"department"`
	DiseaseCode string     `json:"disease_code"`
	Diagnosis   string     `json:"diagnosis"`
	VisitStart  *time.Time `json:"visit_start"`
	VisitEnd    *time.Time `json:"visit_end"`
	Description string     `json:"description"`
	DoctorName  string     `json:"doctor_name"`
	Hospital    string     `json:"hospital"`
	IssueDate   *time.Time `json:"issue_date"`
}

type AuditEntry struct {
	ID             int64     `json:"id"`
	Action         string    `json:"action"`
	UserEmail      string    `json:"user_email"`
	UserName       string    `json:"user_name"`
	Hospital       string    `json:"hospital"`
	AdditionalInfo string    `json:"additional_info"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditPage is one page of audit entries plus the unpaged total.
type AuditPage struct {
	Logs  []AuditEntry `json:"logs"`
	Total int64        `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}
