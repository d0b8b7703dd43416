package clinic

import "slices"

// Diagnoses offered to the physician.
var Diagnoses = []string{
	"Type 1 Diabetes (النوع الأول)",
	"Type 2 Diabetes (النوع الثاني)",
	"Gestational Diabetes (سكر الحمل)",
	"Pre-diabetes (مرحلة ما قبل السكر)",
	"Diabetic Foot (قدم سكري)",
	"Diabetic Neuropathy (اعتلال عصبي)",
}

// Medications stocked by the clinic pharmacy.
var Medications = []string{
	"Insulin Mixtard 30/70",
	"Insulin Lantus",
	"Insulin Apidra",
	"Metformin 500mg",
	"Metformin 850mg",
	"Metformin 1000mg (XR)",
	"Gliclazide 60mg",
	"Sitagliptin 50mg",
	"Empagliflozin 10mg",
	"Empagliflozin 25mg",
	"Atorvastatin 20mg",
	"Aspirin 75mg",
}

// InsulinMedications is the subset of Medications dispensed as pens.
var InsulinMedications = []string{
	"Insulin Mixtard 30/70",
	"Insulin Lantus",
	"Insulin Apidra",
}

// SpecialistClinics are the referral targets.
var SpecialistClinics = []string{
	"عيادة القلب (Cardiology)",
	"عيادة الأوعية الدموية (Vascular)",
	"عيادة المخ والأعصاب (Neurology)",
	"عيادة الغدد الصماء (Endocrinology)",
	"عيادة الكلى (Nephrology)",
}

// IsInsulin reports whether name is one of the stocked insulin products.
func IsInsulin(name string) bool {
	return slices.Contains(InsulinMedications, name)
}
