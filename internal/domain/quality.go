package domain

import "fmt"

// QualityLevel is an advisory classification of one peer link.
type QualityLevel uint8

const (
	QualityUnknown QualityLevel = iota
	QualityExcellent
	QualityGood
	QualityFair
	QualityPoor
)

func (q QualityLevel) String() string {
	switch q {
	case QualityUnknown:
		return "unknown"
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return fmt.Sprintf("quality(%d)", uint8(q))
	}
}

func (q QualityLevel) MarshalText() ([]byte, error) { return []byte(q.String()), nil }
