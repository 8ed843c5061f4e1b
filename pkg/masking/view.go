package masking

import "hiegate/pkg/models"

// View projects a stored record into its display form. The national ID is
// always truncated, so the view is safe to return from any search.
func View(rec models.MedicalRecord) models.MaskedRecord {
	return models.MaskedRecord{
		ID:          rec.ID,
		PatientNo:   rec.PatientNo,
		Name:        Name(rec.Name),
		Gender:      rec.Gender,
		NationalID:  NationalID(rec.NationalID),
		Address:     Address(rec.Address),
		Department:  rec.Department,
		DiseaseCode: Code(rec.DiseaseCode),
		Diagnosis:   Diagnosis(rec.Diagnosis),
		VisitStart:  rec.VisitStart,
		VisitEnd:    rec.VisitEnd,
		Description: Description(rec.Description),
		DoctorName:  rec.DoctorName,
		Hospital:    rec.Hospital,
		IssueDate:   rec.IssueDate,
	}
}

func ViewAll(recs []models.MedicalRecord) []models.MaskedRecord {
	out := make([]models.MaskedRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, View(rec))
	}
	return out
}
