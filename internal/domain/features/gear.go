package features

import "strings"

// GearType is the categorical gear slot. GearUnknown is the only value the
// event source reliably yields today; the rest give models a stable code.
type GearType int

const (
	GearUnknown GearType = iota
	GearTrawler
	GearLongline
	GearPurseSeine
	GearSquidJigger
	GearGillnet
	GearPoleAndLine
)

var gearNames = map[GearType]string{
	GearUnknown:     "unknown",
	GearTrawler:     "trawlers",
	GearLongline:    "drifting_longlines",
	GearPurseSeine:  "purse_seines",
	GearSquidJigger: "squid_jigger",
	GearGillnet:     "set_gillnets",
	GearPoleAndLine: "pole_and_line",
}

func (g GearType) String() string {
	if name, ok := gearNames[g]; ok {
		return name
	}
	return gearNames[GearUnknown]
}

// ParseGearType maps a source label to a GearType. Unrecognised and empty
// labels map to GearUnknown.
func ParseGearType(label string) GearType {
	label = strings.ToLower(strings.TrimSpace(label))
	for g, name := range gearNames {
		if name == label {
			return g
		}
	}
	// Common singular spellings.
	switch label {
	case "trawler":
		return GearTrawler
	case "longline", "longliner", "drifting_longline":
		return GearLongline
	case "purse_seine", "purse_seiner":
		return GearPurseSeine
	}
	return GearUnknown
}
