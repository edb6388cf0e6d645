package api

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTimeLimit implements the time-limit grammar from spec.md §6:
//
//	HH:MM:SS | MM:SS | N   (a bare integer is minutes)
//
// It returns the limit in seconds. A zero result (whether spelled "0",
// "0:00", or "00:00:00") is rejected by the caller per spec.md §4.2 step 4
// and §8 ("Time-limit token 0 or a malformed string => ValidationError");
// this function only handles parsing, not the zero check.
func ParseTimeLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("time limit: empty")
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		minutes, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || minutes < 0 {
			return 0, fmt.Errorf("time limit: malformed bare-integer minutes %q", s)
		}
		return minutes * 60, nil
	case 2:
		mm, err1 := strconv.ParseInt(parts[0], 10, 64)
		ss, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil || mm < 0 || ss < 0 || ss >= 60 {
			return 0, fmt.Errorf("time limit: malformed MM:SS %q", s)
		}
		return mm*60 + ss, nil
	case 3:
		hh, err1 := strconv.ParseInt(parts[0], 10, 64)
		mm, err2 := strconv.ParseInt(parts[1], 10, 64)
		ss, err3 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || hh < 0 || mm < 0 || mm >= 60 || ss < 0 || ss >= 60 {
			return 0, fmt.Errorf("time limit: malformed HH:MM:SS %q", s)
		}
		return hh*3600 + mm*60 + ss, nil
	default:
		return 0, fmt.Errorf("time limit: malformed %q", s)
	}
}
