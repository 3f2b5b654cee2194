package report

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"

	"github.com/doridoridoriand/netwatch/internal/eventlog"
)

var severities = []eventlog.Severity{
	eventlog.SeverityInfo,
	eventlog.SeveritySuccess,
	eventlog.SeverityWarning,
	eventlog.SeverityError,
}

// genEvents builds a chronological event list of up to 30 entries.
func genEvents() gopter.Gen {
	return gopter.Gen(func(genParams *gopter.GenParameters) *gopter.GenResult {
		n := genParams.Rng.Intn(31)
		events := make([]eventlog.Entry, n)
		at := t0
		for i := range events {
			at = at.Add(time.Duration(genParams.Rng.Intn(600)+1) * time.Second)
			events[i] = eventlog.Entry{
				Timestamp: at,
				Severity:  severities[genParams.Rng.Intn(len(severities))],
				Message:   fmt.Sprintf("event %d (%d)", i, genParams.Rng.Intn(1000)),
			}
		}
		return gopter.NewGenResult(events, gopter.NoShrinker)
	})
}

func genOffset() gopter.Gen {
	return gopter.Gen(func(genParams *gopter.GenParameters) *gopter.GenResult {
		d := time.Duration(genParams.Rng.Intn(86400)+1) * time.Second
		return gopter.NewGenResult(d, gopter.NoShrinker)
	})
}

func TestPropertyComposeOnlyGeneratedLineVaries(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	props := gopter.NewProperties(params)

	// **Property: recomposing later changes only the Report Generated line**
	props.Property("reports differ only in the generated-at line", prop.ForAll(
		func(events []eventlog.Entry, later time.Duration) bool {
			in := sampleInput()
			in.Events = events
			in.EndOfSession = true
			first := Compose(in)

			in.Now = in.Now.Add(later)
			second := Compose(in)

			a := strings.Split(first, "\n")
			b := strings.Split(second, "\n")
			if len(a) != len(b) {
				return false
			}
			last := len(a) - 1
			for i := 0; i < last; i++ {
				if a[i] != b[i] {
					return false
				}
			}
			return strings.HasPrefix(a[last], "Report Generated: ") &&
				strings.HasPrefix(b[last], "Report Generated: ") &&
				a[last] != b[last]
		},
		genEvents(),
		genOffset(),
	))

	props.TestingRun(t, gopter.ConsoleReporter(false))
}
