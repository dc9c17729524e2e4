package gcode

// ModalGroup is a set of codes of which only one can be active at a time.
//
// Only the groups GRBL 1.1 knows about are listed; any other G or M code
// belongs to ModalGroupNone and is rejected by the VM.
type ModalGroup byte

const (
	ModalGroupNone ModalGroup = iota
	ModalGroupNonModal
	ModalGroupMotion
	ModalGroupPlaneSelection
	ModalGroupDistanceMode
	ModalGroupArcDistanceMode
	ModalGroupFeedRateMode
	ModalGroupUnits
	ModalGroupCutterCompensationMode
	ModalGroupToolLength
	ModalGroupCoordinateSystem
	ModalGroupStopping
	ModalGroupSpindle
	ModalGroupCoolant

	// ModalGroupFeedRate and ModalGroupPower hold the last F and S values.
	ModalGroupFeedRate
	ModalGroupPower
)

var groupNames = [...]string{
	ModalGroupNone:                   "none",
	ModalGroupNonModal:               "non-modal",
	ModalGroupMotion:                 "motion",
	ModalGroupPlaneSelection:         "plane",
	ModalGroupDistanceMode:           "distance",
	ModalGroupArcDistanceMode:        "arc distance",
	ModalGroupFeedRateMode:           "feed rate mode",
	ModalGroupUnits:                  "units",
	ModalGroupCutterCompensationMode: "cutter compensation",
	ModalGroupToolLength:             "tool length",
	ModalGroupCoordinateSystem:       "coordinate system",
	ModalGroupStopping:               "program flow",
	ModalGroupSpindle:                "spindle",
	ModalGroupCoolant:                "coolant",
	ModalGroupFeedRate:               "feed rate",
	ModalGroupPower:                  "power",
}

func (m ModalGroup) String() string {
	if int(m) < len(groupNames) {
		return groupNames[m]
	}
	return "unknown"
}

// ModalGroup returns the group w belongs to.
func (w Word) ModalGroup() ModalGroup {
	switch w.W {
	case 'G':
		switch w.Arg {
		case 4, 10, 28, 28.1, 30, 30.1, 53, 92, 92.1:
			return ModalGroupNonModal
		case 0, 1, 2, 3, 38.2, 38.3, 38.4, 38.5, 80:
			return ModalGroupMotion
		case 17, 18, 19:
			return ModalGroupPlaneSelection
		case 90, 91:
			return ModalGroupDistanceMode
		case 91.1:
			return ModalGroupArcDistanceMode
		case 93, 94:
			return ModalGroupFeedRateMode
		case 20, 21:
			return ModalGroupUnits
		case 40:
			return ModalGroupCutterCompensationMode
		case 43.1, 49:
			return ModalGroupToolLength
		case 54, 55, 56, 57, 58, 59:
			return ModalGroupCoordinateSystem
		}
	case 'M':
		switch w.Arg {
		case 0, 1, 2, 30:
			return ModalGroupStopping
		case 3, 4, 5:
			return ModalGroupSpindle
		case 7, 8, 9:
			return ModalGroupCoolant
		}
	case 'F':
		return ModalGroupFeedRate
	case 'S':
		return ModalGroupPower
	}

	return ModalGroupNone
}
