package records

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// MaxResults caps every search.
const MaxResults = 100

// Filter is the conjunction of supplied search criteria. Empty fields add
// no clause.
type Filter struct {
	Name         string
	PatientNo    string
	Birth6       string
	StartDate    *time.Time
	EndDate      *time.Time
	Department   string
	DoctorName   string
	Organization string
}

const selectColumns = `id, patient_no, name, COALESCE(gender, ''), COALESCE(pgp_sym_decrypt(ssn, $1), ''),
	COALESCE(address, ''), COALESCE(department, ''), COALESCE(disease_code, ''), COALESCE(diagnosis, ''),
	visit_start, visit_end, COALESCE(description, ''), COALESCE(note, ''), COALESCE(doctor_name, ''),
	COALESCE(hospital, ''), COALESCE(hospital_address, ''), issue_date, created_at`

type clause struct {
	sql  string
	args []any
}

// BuildSearch renders the search statement. $1 is always the decryption
// key; filter arguments follow in clause order.
func BuildSearch(f Filter, key string) (string, []any) {
	var clauses []clause
	add := func(ok bool, sql string, args ...any) {
		if ok {
			clauses = append(clauses, clause{sql: sql, args: args})
		}
	}
	add(f.Organization != "", "hospital = ?", f.Organization)
	add(f.Name != "", "name = ?", f.Name)
	add(f.PatientNo != "", "patient_no = ?", f.PatientNo)
	add(f.Birth6 != "", "LEFT(pgp_sym_decrypt(ssn, $1), 6) = ?", f.Birth6)
	add(f.Department != "", "department = ?", f.Department)
	add(f.DoctorName != "", "doctor_name = ?", f.DoctorName)
	add(f.StartDate != nil, "visit_start >= ?", lo.FromPtr(f.StartDate))
	add(f.EndDate != nil, "visit_end <= ?", lo.FromPtr(f.EndDate))

	args := []any{key}
	conds := lo.Map(clauses, func(c clause, _ int) string {
		sql := c.sql
		for _, a := range c.args {
			args = append(args, a)
			sql = strings.Replace(sql, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		return sql
	})

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectColumns)
	b.WriteString(" FROM medical_records")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY visit_start DESC NULLS LAST, id DESC LIMIT %d", MaxResults)
	return b.String(), args
}

const getStatement = "SELECT " + selectColumns + " FROM medical_records WHERE id = $2"

const insertStatement = `INSERT INTO medical_records (
	patient_no, name, gender, ssn, address, department, disease_code, diagnosis,
	visit_start, visit_end, description, note, doctor_name, hospital, hospital_address, issue_date
) VALUES ($1, $2, $3, pgp_sym_encrypt(NULLIF($4, ''), $5), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
RETURNING id`
