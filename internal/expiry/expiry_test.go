package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCardFace_Rollover(t *testing.T) {
	issue := time.Date(2029, time.December, 15, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "12/30", CardFace(issue, 1, nil))

	leap := time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "02/31", CardFace(leap, 3, time.UTC))
}

func TestEndOfMonth(t *testing.T) {
	cases := []struct {
		yymm string
		want time.Time
	}{
		{"3002", time.Date(2030, time.February, 28, 23, 59, 59, 999999999, time.UTC)},
		{"3004", time.Date(2030, time.April, 30, 23, 59, 59, 999999999, time.UTC)},
		{"2802", time.Date(2028, time.February, 29, 23, 59, 59, 999999999, time.UTC)},
	}
	for _, c := range cases {
		got, err := EndOfMonth(c.yymm, time.UTC)
		require.NoError(t, err)
		require.True(t, got.Equal(c.want), "%s: got %v want %v", c.yymm, got, c.want)
	}
}

func TestValidateYYMM(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"3002", true}, {"9912", true}, {"0001", true},
		{"123", false}, {"12a4", false}, {"3013", false}, {"0000", false},
	}
	for _, c := range cases {
		err := ValidateYYMM(c.in)
		require.Equal(t, c.ok, err == nil, "ValidateYYMM(%s) err=%v", c.in, err)
	}
}

func TestIsExpired(t *testing.T) {
	end, err := EndOfMonth("3002", time.UTC)
	require.NoError(t, err)

	expired, err := IsExpired("3002", end.Add(-time.Nanosecond), time.UTC)
	require.NoError(t, err)
	require.False(t, expired)

	expired, err = IsExpired("3002", end, time.UTC)
	require.NoError(t, err)
	require.False(t, expired)

	expired, err = IsExpired("3002", end.Add(time.Nanosecond), time.UTC)
	require.NoError(t, err)
	require.True(t, expired)
}

func TestParseCardFace(t *testing.T) {
	yymm, err := ParseCardFace("10/30")
	require.NoError(t, err)
	require.Equal(t, "3010", yymm)

	yymm, err = ParseCardFace(" 1030 ")
	require.NoError(t, err)
	require.Equal(t, "3010", yymm)

	_, err = ParseCardFace("13/30")
	require.Error(t, err)
}

func TestCardFaceExpired(t *testing.T) {
	at := time.Date(2031, time.January, 1, 0, 0, 0, 0, time.UTC)
	expired, err := CardFaceExpired("12/30", at, nil)
	require.NoError(t, err)
	require.True(t, expired)

	expired, err = CardFaceExpired("01/31", at, nil)
	require.NoError(t, err)
	require.False(t, expired)

	_, err = CardFaceExpired("garbage", at, nil)
	require.Error(t, err)
}
