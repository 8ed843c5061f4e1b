package policy

import (
	"github.com/samber/lo"

	"hiegate/pkg/models"
)

// UnmaskableFields is the allow-list of fields a caller may reveal.
var UnmaskableFields = []string{"name", "address", "disease_code", "diagnosis", "description"}

func original(rec models.MedicalRecord, field string) string {
	switch field {
	case "name":
		return rec.Name
	case "address":
		return rec.Address
	case "disease_code":
		return rec.DiseaseCode
	case "diagnosis":
		return rec.Diagnosis
	case "description":
		return rec.Description
	}
	return ""
}

// AllowedFields drops duplicates and anything outside the allow-list,
// keeping the caller's order.
func AllowedFields(requested []string) []string {
	return lo.Uniq(lo.Filter(requested, func(f string, _ int) bool {
		return lo.Contains(UnmaskableFields, f)
	}))
}

// UnmaskFields returns the original value of each allowed field. Fields
// outside the allow-list are left out. An allowed field that is empty on
// the record is returned as "".
func UnmaskFields(rec models.MedicalRecord, requested []string) map[string]string {
	out := map[string]string{}
	for _, f := range AllowedFields(requested) {
		out[f] = original(rec, f)
	}
	return out
}
