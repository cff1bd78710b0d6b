package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CardFace returns the MM/YY imprint for a card valid for years from issue, in loc.
func CardFace(issue time.Time, years int, loc *time.Location) string {
	t := issue.In(location(loc))
	return fmt.Sprintf("%02d/%02d", int(t.Month()), (t.Year()+years)%100)
}

// ParseCardFace accepts "MM/YY" or "MMYY" and returns YYMM.
func ParseCardFace(in string) (string, error) {
	s := strings.ReplaceAll(strings.TrimSpace(in), "/", "")
	if len(s) != 4 {
		return "", fmt.Errorf("card face must be MM/YY or MMYY")
	}
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("card face must be digits")
		}
	}
	mm, _ := strconv.Atoi(s[:2])
	if mm < 1 || mm > 12 {
		return "", fmt.Errorf("month must be 01..12")
	}
	return s[2:] + s[:2], nil
}

// ValidateYYMM checks the YYMM shape and that the month is 01..12.
func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	for i := 0; i < 4; i++ {
		if yymm[i] < '0' || yymm[i] > '9' {
			return fmt.Errorf("expiry must be digits: YYMM")
		}
	}
	mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0')
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}

// EndOfMonth returns the last instant of the YYMM month in loc (UTC when nil).
func EndOfMonth(yymm string, loc *time.Location) (time.Time, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	firstNext := time.Date(2000+yy, time.Month(mm), 1, 0, 0, 0, 0, location(loc)).AddDate(0, 1, 0)
	return firstNext.Add(-time.Nanosecond), nil
}

// IsExpired reports whether at is strictly after the end of the YYMM month.
// A card stays valid through the last instant of its expiry month.
func IsExpired(yymm string, at time.Time, loc *time.Location) (bool, error) {
	end, err := EndOfMonth(yymm, loc)
	if err != nil {
		return false, err
	}
	return at.In(end.Location()).After(end), nil
}

// CardFaceExpired combines ParseCardFace and IsExpired.
func CardFaceExpired(face string, at time.Time, loc *time.Location) (bool, error) {
	yymm, err := ParseCardFace(face)
	if err != nil {
		return false, err
	}
	return IsExpired(yymm, at, loc)
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
