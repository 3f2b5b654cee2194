package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionalDuration records a duration flag and whether it was set.
type OptionalDuration struct {
	value time.Duration
	set   bool
}

func (o *OptionalDuration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	o.value = v
	o.set = true
	return nil
}

func (o *OptionalDuration) String() string {
	if !o.set {
		return ""
	}
	return o.value.String()
}

func (o *OptionalDuration) Value() (time.Duration, bool) {
	return o.value, o.set
}

// OptionalString records a string flag and whether it was set.
type OptionalString struct {
	value string
	set   bool
}

func (o *OptionalString) Set(s string) error {
	o.value = s
	o.set = true
	return nil
}

func (o *OptionalString) String() string {
	if !o.set {
		return ""
	}
	return o.value
}

func (o *OptionalString) Value() (string, bool) {
	return o.value, o.set
}

// OptionalBool records a bool flag and whether it was set.
type OptionalBool struct {
	value bool
	set   bool
}

func (o *OptionalBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	o.value = v
	o.set = true
	return nil
}

func (o *OptionalBool) String() string {
	if !o.set {
		return ""
	}
	if o.value {
		return "true"
	}
	return "false"
}

func (o *OptionalBool) IsBoolFlag() bool {
	return true
}

func (o *OptionalBool) Value() (bool, bool) {
	return o.value, o.set
}

// OptionalSeconds is an OptionalDuration that also accepts a bare number of
// seconds ("10" or "10s").
type OptionalSeconds struct {
	OptionalDuration
}

func (o *OptionalSeconds) Set(s string) error {
	if n, err := strconv.Atoi(s); err == nil {
		o.value = time.Duration(n) * time.Second
		o.set = true
		return nil
	}
	if err := o.OptionalDuration.Set(s); err != nil {
		return fmt.Errorf("invalid seconds value: %q", s)
	}
	return nil
}

// OptionalStringList records a repeatable string flag.
type OptionalStringList struct {
	values []string
}

func (o *OptionalStringList) Set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("empty value")
	}
	o.values = append(o.values, s)
	return nil
}

func (o *OptionalStringList) String() string {
	return strings.Join(o.values, ",")
}

func (o *OptionalStringList) Value() ([]string, bool) {
	return o.values, len(o.values) > 0
}
