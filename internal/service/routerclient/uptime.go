package routerclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatUptime - длительность в формате RouterOS: 1w2d3h4m5s
func FormatUptime(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)

	var b strings.Builder
	units := []struct {
		suffix string
		size   time.Duration
	}{
		{"w", 7 * 24 * time.Hour},
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	}
	for _, u := range units {
		if n := d / u.size; n > 0 {
			b.WriteString(strconv.FormatInt(int64(n), 10))
			b.WriteString(u.suffix)
			d -= n * u.size
		}
	}
	return b.String()
}

// ParseUptime разбирает 1w2d3h4m5s и 01:02:03
func ParseUptime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return 0, fmt.Errorf("bad uptime %q", s)
		}
		var total time.Duration
		for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
			n, err := strconv.Atoi(parts[i])
			if err != nil {
				return 0, fmt.Errorf("bad uptime %q", s)
			}
			total += time.Duration(n) * unit
		}
		return total, nil
	}

	var total time.Duration
	num := 0
	digits := false
	for _, c := range s {
		if c >= '0' && c <= '9' {
			num = num*10 + int(c-'0')
			digits = true
			continue
		}
		if !digits {
			return 0, fmt.Errorf("bad uptime %q", s)
		}
		var unit time.Duration
		switch c {
		case 'w':
			unit = 7 * 24 * time.Hour
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		default:
			return 0, fmt.Errorf("bad uptime %q", s)
		}
		total += time.Duration(num) * unit
		num = 0
		digits = false
	}
	if digits {
		return 0, fmt.Errorf("bad uptime %q", s)
	}
	return total, nil
}
