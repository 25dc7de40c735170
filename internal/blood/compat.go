package blood

// donorsFor lists, per recipient type, the compatible red-cell donor types in
// order of preference. The recipient's own type always comes first; O- is the
// universal donor and is kept last so it is spent only when nothing closer is
// available.
var donorsFor = map[Type][]Type{
	ONeg:  {ONeg},
	OPos:  {OPos, ONeg},
	ANeg:  {ANeg, ONeg},
	APos:  {APos, ANeg, OPos, ONeg},
	BNeg:  {BNeg, ONeg},
	BPos:  {BPos, BNeg, OPos, ONeg},
	ABNeg: {ABNeg, ANeg, BNeg, ONeg},
	ABPos: {ABPos, ABNeg, APos, ANeg, BPos, BNeg, OPos, ONeg},
}

// CompatibleDonors returns the donor types a recipient of type t can receive,
// exact match first.
func CompatibleDonors(t Type) []Type {
	return append([]Type(nil), donorsFor[t]...)
}

// CanDonate reports whether blood of type donor may be given to recipient.
func CanDonate(donor, recipient Type) bool {
	for _, d := range donorsFor[recipient] {
		if d == donor {
			return true
		}
	}
	return false
}
