package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hengadev/errsx"
)

const (
	DefaultAuditLimit = 20
	MaxAuditLimit     = 100
)

var (
	ErrEmptyBody = errors.New("request body is empty")
	birth6Re     = regexp.MustCompile(`^[0-9]{6}$`)
	timeLayouts  = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"}
	dateLayout   = "2006-01-02"
)

type Validator interface {
	Validate() error
}

// Decode reads a single JSON object into v, rejecting fields v does not
// declare, and then validates it.
func Decode(r io.Reader, v Validator) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return ErrEmptyBody
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("invalid json: trailing data")
	}
	return v.Validate()
}

// IsValidation reports whether err came from a Validate method.
func IsValidation(err error) bool {
	var m errsx.Map
	return errors.As(err, &m)
}

// FirstMessage renders a validation error as one stable, human-readable line.
func FirstMessage(err error) string {
	var m errsx.Map
	if !errors.As(err, &m) || len(m) == 0 {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprint(m[keys[0]])
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *LoginRequest) Validate() error {
	errs := errsx.Map{}
	r.Username = strings.TrimSpace(r.Username)
	if r.Username == "" {
		errs.Set("username", errors.New("username and password are required"))
	}
	if r.Password == "" {
		errs.Set("password", errors.New("username and password are required"))
	}
	return errs.AsError()
}

// RecordRequest registers a medical record. The actor fields are filled by
// the web tier from the caller's session and overwrite anything supplied.
type RecordRequest struct {
	PatientNo       string `json:"patient_no"`
	Name            string `json:"name"`
	Gender          string `json:"gender"`
	NationalID      string `json:"ssn"`
	Address         string `json:"address"`
	Department      string `json:"department"`
	DiseaseCode     string `json:"disease_code"`
	Diagnosis       string `json:"diagnosis"`
	VisitStart      string `json:"visit_start"`
	VisitEnd        string `json:"visit_end"`
	Description     string `json:"description"`
	Note            string `json:"note"`
	HospitalAddress string `json:"hospital_address"`
	IssueDate       string `json:"issue_date"`
	UserEmail       string `json:"user_email,omitempty"`
	DoctorName      string `json:"doctor_name,omitempty"`
	Hospital        string `json:"hospital,omitempty"`

	visitStart *time.Time
	visitEnd   *time.Time
	issueDate  *time.Time
}

// ValidateContent checks the clinical fields only. The web tier calls it
// before it knows the caller's affiliation.
func (r *RecordRequest) ValidateContent() error {
	errs := errsx.Map{}
	r.trim()
	if r.PatientNo == "" {
		errs.Set("patient_no", errors.New("patient_no is required"))
	}
	if r.Name == "" {
		errs.Set("name", errors.New("name is required"))
	}
	var err error
	if r.visitStart, err = parseTimestamp(r.VisitStart); err != nil {
		errs.Set("visit_start", err)
	}
	if r.visitEnd, err = parseTimestamp(r.VisitEnd); err != nil {
		errs.Set("visit_end", err)
	}
	if r.issueDate, err = parseTimestamp(r.IssueDate); err != nil {
		errs.Set("issue_date", err)
	}
	if r.visitStart != nil && r.visitEnd != nil && r.visitEnd.Before(*r.visitStart) {
		errs.Set("visit_end", errors.New("visit_end must not be before visit_start"))
	}
	return errs.AsError()
}

func (r *RecordRequest) Validate() error {
	errs := errsx.Map{}
	if err := r.ValidateContent(); err != nil {
		var m errsx.Map
		if !errors.As(err, &m) {
			return err
		}
		for k, v := range m {
			errs.Set(k, v)
		}
	}
	if r.UserEmail == "" {
		errs.Set("user_email", errors.New("user_email is required"))
	}
	if r.DoctorName == "" {
		errs.Set("doctor_name", errors.New("doctor_name is required"))
	}
	if r.Hospital == "" {
		errs.Set("hospital", errors.New("hospital is required"))
	}
	return errs.AsError()
}

func (r *RecordRequest) trim() {
	for _, f := range []*string{&r.PatientNo, &r.Name, &r.Gender, &r.NationalID, &r.Address, &r.Department,
		&r.DiseaseCode, &r.Diagnosis, &r.VisitStart, &r.VisitEnd, &r.Description, &r.Note,
		&r.HospitalAddress, &r.IssueDate, &r.UserEmail, &r.DoctorName, &r.Hospital} {
		*f = strings.TrimSpace(*f)
	}
}

func (r *RecordRequest) Actor() Actor {
	return Actor{Email: r.UserEmail, Name: r.DoctorName, Organization: r.Hospital}
}

// Record converts a validated request into the storable shape.
func (r *RecordRequest) Record() MedicalRecord {
	return MedicalRecord{
		PatientNo:       r.PatientNo,
		Name:            r.Name,
		Gender:          r.Gender,
		NationalID:      r.NationalID,
		Address:         r.Address,
		Department:      r.Department,
		DiseaseCode:     r.DiseaseCode,
		Diagnosis:       r.Diagnosis,
		VisitStart:      r.visitStart,
		VisitEnd:        r.visitEnd,
		Description:     r.Description,
		Note:            r.Note,
		DoctorName:      r.DoctorName,
		Hospital:        r.Hospital,
		HospitalAddress: r.HospitalAddress,
		IssueDate:       r.issueDate,
	}
}

type SearchRequest struct {
	Name             string `json:"name"`
	PatientID        string `json:"patient_id"`
	Birth6           string `json:"birth6"`
	StartDate        string `json:"start_date"`
	EndDate          string `json:"end_date"`
	Department       string `json:"department"`
	DoctorNameSearch string `json:"doctor_name_search"`
	IncludeExternal  bool   `json:"includeExternal"`
	UserEmail        string `json:"user_email,omitempty"`
	DoctorName       string `json:"doctor_name,omitempty"`
	Hospital         string `json:"hospital,omitempty"`
	MFAVerified      bool   `json:"mfa_verified,omitempty"`
	MFAUser          string `json:"mfa_user,omitempty"`

	start *time.Time
	end   *time.Time
}

func (r *SearchRequest) Validate() error {
	errs := errsx.Map{}
	for _, f := range []*string{&r.Name, &r.PatientID, &r.Birth6, &r.StartDate, &r.EndDate,
		&r.Department, &r.DoctorNameSearch, &r.UserEmail, &r.DoctorName, &r.Hospital, &r.MFAUser} {
		*f = strings.TrimSpace(*f)
	}
	if r.Birth6 != "" && !birth6Re.MatchString(r.Birth6) {
		errs.Set("birth6", errors.New("birth6 must be six digits"))
	}
	var err error
	if r.start, err = parseTimestamp(r.StartDate); err != nil {
		errs.Set("start_date", err)
	}
	if r.end, err = parseTimestamp(r.EndDate); err != nil {
		errs.Set("end_date", err)
	}
	return errs.AsError()
}

func (r *SearchRequest) Actor() Actor {
	return Actor{Email: r.UserEmail, Name: r.DoctorName, Organization: r.Hospital}
}

func (r *SearchRequest) Start() *time.Time { return r.start }
func (r *SearchRequest) End() *time.Time   { return r.end }

// Conditions lists the supplied filters in a fixed order, for audit context.
func (r *SearchRequest) Conditions() string {
	var parts []string
	add := func(label, v string) {
		if v != "" {
			parts = append(parts, label+":"+v)
		}
	}
	add("name", r.Name)
	add("patient_id", r.PatientID)
	add("birth6", r.Birth6)
	add("start_date", r.StartDate)
	add("end_date", r.EndDate)
	add("department", r.Department)
	add("doctor", r.DoctorNameSearch)
	if len(parts) == 0 {
		return "conditions: all"
	}
	return "conditions: " + strings.Join(parts, ", ")
}

type UnmaskRequest struct {
	RecordID    json.Number `json:"record_id"`
	Fields      []string    `json:"fields"`
	UserEmail   string      `json:"user_email,omitempty"`
	DoctorName  string      `json:"doctor_name,omitempty"`
	Hospital    string      `json:"hospital,omitempty"`
	MFAVerified bool        `json:"mfa_verified,omitempty"`
	MFAUser     string      `json:"mfa_user,omitempty"`

	id int64
}

func (r *UnmaskRequest) Validate() error {
	errs := errsx.Map{}
	raw := strings.TrimSpace(r.RecordID.String())
	if raw == "" {
		errs.Set("record_id", errors.New("record_id is required"))
	} else if id, err := strconv.ParseInt(raw, 10, 64); err != nil || id <= 0 {
		errs.Set("record_id", errors.New("record_id must be a positive integer"))
	} else {
		r.id = id
	}
	cleaned := r.Fields[:0]
	for _, f := range r.Fields {
		if f = strings.TrimSpace(f); f != "" {
			cleaned = append(cleaned, f)
		}
	}
	r.Fields = cleaned
	if len(r.Fields) == 0 {
		errs.Set("fields", errors.New("select at least one field to unmask"))
	}
	return errs.AsError()
}

func (r *UnmaskRequest) ID() int64 { return r.id }

func (r *UnmaskRequest) Actor() Actor {
	return Actor{Email: r.UserEmail, Name: r.DoctorName, Organization: r.Hospital}
}

type MFAAuthURLRequest struct {
	Action    string `json:"action"`
	ReturnURL string `json:"return_url"`
}

func (r *MFAAuthURLRequest) Validate() error {
	r.Action = strings.TrimSpace(r.Action)
	r.ReturnURL = strings.TrimSpace(r.ReturnURL)
	if r.Action == "" {
		r.Action = "unmask"
	}
	errs := errsx.Map{}
	if len(r.Action) > 64 {
		errs.Set("action", errors.New("action is too long"))
	}
	return errs.AsError()
}

type VerifyTokenRequest struct {
	Token string `json:"token"`
}

func (r *VerifyTokenRequest) Validate() error {
	errs := errsx.Map{}
	r.Token = strings.TrimSpace(r.Token)
	if r.Token == "" {
		errs.Set("token", errors.New("token required"))
	}
	return errs.AsError()
}

// AuditQuery pages and filters the audit table. Out-of-range paging values
// fall back to defaults rather than failing.
type AuditQuery struct {
	Action    string `json:"action"`
	UserEmail string `json:"user_email"`
	Hospital  string `json:"hospital"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`

	start *time.Time
	end   *time.Time
}

func (q *AuditQuery) Validate() error {
	errs := errsx.Map{}
	for _, f := range []*string{&q.Action, &q.UserEmail, &q.Hospital, &q.StartDate, &q.EndDate} {
		*f = strings.TrimSpace(*f)
	}
	q.Normalize()
	var err error
	if q.start, err = parseDate(q.StartDate); err != nil {
		errs.Set("start_date", err)
	}
	if q.end, err = parseDate(q.EndDate); err != nil {
		errs.Set("end_date", err)
	}
	return errs.AsError()
}

func (q *AuditQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > MaxAuditLimit {
		q.Limit = DefaultAuditLimit
	}
}

func (q *AuditQuery) Offset() int { return (q.Page - 1) * q.Limit }

func (q *AuditQuery) Start() *time.Time { return q.start }
func (q *AuditQuery) End() *time.Time   { return q.end }

// ParsePaging reads page/limit query values; malformed numbers are treated as absent.
func ParsePaging(page, limit string) AuditQuery {
	q := AuditQuery{}
	q.Page, _ = strconv.Atoi(strings.TrimSpace(page))
	q.Limit, _ = strconv.Atoi(strings.TrimSpace(limit))
	q.Normalize()
	return q
}

func parseTimestamp(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", raw)
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", raw)
	}
	return &t, nil
}
