package protocol

import (
	"math"
	"strconv"
)

// strconv never consults the process locale, so these encodings are stable
// regardless of where the host runs.

func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func FormatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func FormatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func FormatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func ParseBool(s string) (bool, bool) {
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

func ParseByte(s string) (uint8, bool) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(v), true
}

func ParseInt(s string) (int32, bool) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(v), true
}

func ParseUint(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func ParseLong(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func ParseUlong(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func ParseFloat(s string) (float32, bool) {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return float32(v), true
}

func ParseDouble(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
