package call

import (
	"fmt"
	"time"
)

// FormatDuration renders a call duration as MM:SS, or HH:MM:SS from one hour
// up, the way call UIs display elapsed time.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
