package sopclass

// DICOM SOP UID listing, trimmed to the classes this repository's SCPs
// negotiate.
//
// https://www.dicomlibrary.com/dicom/sop/
type SOPUID struct {
	Name string
	UID  string
}

// For issuing/accepting C-ECHO.
var VerificationClasses = []SOPUID{
	{"VerificationSOPClass", "1.2.840.10008.1.1"},
}

// For accepting N-CREATE/N-SET against an MPPS instance.
var ModalityPerformedProcedureStepClasses = []SOPUID{
	{"ModalityPerformedProcedureStepSOPClass", "1.2.840.10008.3.1.2.3.3"},
}

// For accepting N-ACTION and issuing N-EVENT-REPORT under the Storage
// Commitment push model.
var StorageCommitmentPushModelClasses = []SOPUID{
	{"StorageCommitmentPushModelSOPClass", "1.2.840.10008.1.20.1"},
}

// AllClasses is the full set of abstract syntaxes this repository's
// presentation-context table is willing to accept.
var AllClasses = func() []SOPUID {
	var all []SOPUID
	all = append(all, VerificationClasses...)
	all = append(all, ModalityPerformedProcedureStepClasses...)
	all = append(all, StorageCommitmentPushModelClasses...)
	return all
}()

// Find returns the SOPUID entry with the given UID, if known.
func Find(uid string) (SOPUID, bool) {
	for _, c := range AllClasses {
		if c.UID == uid {
			return c, true
		}
	}
	return SOPUID{}, false
}
