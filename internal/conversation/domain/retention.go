package domain

import "time"

// RetentionPolicy is the maximum age after which messages become eligible
// for purge. It is a small closed set, not a free-form duration.
type RetentionPolicy int

const (
	// RetentionUnspecified represents an invalid retention policy value.
	RetentionUnspecified RetentionPolicy = iota
	// Retention24h keeps messages for one day.
	Retention24h
	// Retention72h keeps messages for three days.
	Retention72h
	// Retention168h keeps messages for one week.
	Retention168h
	// Retention720h keeps messages for thirty days.
	Retention720h
)

// Duration returns the retention window. Unspecified policies return 0.
func (p RetentionPolicy) Duration() time.Duration {
	switch p {
	case Retention24h:
		return 24 * time.Hour
	case Retention72h:
		return 72 * time.Hour
	case Retention168h:
		return 168 * time.Hour
	case Retention720h:
		return 720 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the policy is one of the closed set values.
func (p RetentionPolicy) Valid() bool {
	switch p {
	case Retention24h, Retention72h, Retention168h, Retention720h:
		return true
	default:
		return false
	}
}

// String returns the policy's canonical hour label.
func (p RetentionPolicy) String() string {
	switch p {
	case Retention24h:
		return "24h"
	case Retention72h:
		return "72h"
	case Retention168h:
		return "168h"
	case Retention720h:
		return "720h"
	default:
		return "unspecified"
	}
}
