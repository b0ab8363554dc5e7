package gpucache

// PressureLevel mirrors the system memory pressure notifications.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureModerate
	PressureCritical
)

func (l PressureLevel) String() string {
	switch l {
	case PressureNone:
		return "none"
	case PressureModerate:
		return "moderate"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}
