// Package bloodtype encodes the fixed transfusion compatibility matrix.
package bloodtype

import "github.com/GeekRover/Blood-link-sub000/internal/models"

// donorToRecipients is the canonical direction of the matrix: which
// recipient groups each donor group may serve. O- donates to all, AB+ is
// the most restrictive donor, Rh-negative donors serve both Rh variants.
var donorToRecipients = map[models.BloodType][]models.BloodType{
	models.ONeg:  {models.ONeg, models.OPos, models.ANeg, models.APos, models.BNeg, models.BPos, models.ABNeg, models.ABPos},
	models.OPos:  {models.OPos, models.APos, models.BPos, models.ABPos},
	models.ANeg:  {models.ANeg, models.APos, models.ABNeg, models.ABPos},
	models.APos:  {models.APos, models.ABPos},
	models.BNeg:  {models.BNeg, models.BPos, models.ABNeg, models.ABPos},
	models.BPos:  {models.BPos, models.ABPos},
	models.ABNeg: {models.ABNeg, models.ABPos},
	models.ABPos: {models.ABPos},
}

// recipientToDonors is derived by inverting donorToRecipients so the two
// lookups can never disagree.
var recipientToDonors = invert(donorToRecipients)

func invert(m map[models.BloodType][]models.BloodType) map[models.BloodType][]models.BloodType {
	out := make(map[models.BloodType][]models.BloodType, len(m))
	for _, donor := range models.AllBloodTypes {
		for _, recipient := range m[donor] {
			out[recipient] = append(out[recipient], donor)
		}
	}
	return out
}

// CompatibleRecipientTypes returns the recipient groups the given donor
// group may serve. Unknown types yield an empty slice, never an error, so
// callers degrade to "no matches".
func CompatibleRecipientTypes(donor models.BloodType) []models.BloodType {
	return clone(donorToRecipients[donor])
}

// CompatibleDonorTypes returns the donor groups that may serve the given
// recipient group. Unknown types yield an empty slice.
func CompatibleDonorTypes(recipient models.BloodType) []models.BloodType {
	return clone(recipientToDonors[recipient])
}

// CanDonate reports whether a donor of type d may serve a recipient of type r.
func CanDonate(d, r models.BloodType) bool {
	for _, t := range donorToRecipients[d] {
		if t == r {
			return true
		}
	}
	return false
}

func clone(in []models.BloodType) []models.BloodType {
	if in == nil {
		return nil
	}
	out := make([]models.BloodType, len(in))
	copy(out, in)
	return out
}
