package options

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// MaxTimeout is the longest timeout, in milliseconds, the capture program
// handles reliably. Larger values are clamped.
const MaxTimeout = 9999

// Default capture resolution.
const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

// ErrInvalidValue is wrapped by every parse failure in Set and Normalize.
var ErrInvalidValue = errors.New("invalid option value")

// Mode selects what the capture program is asked to do.
type Mode string

const (
	ModePhoto     Mode = "photo"
	ModeTimelapse Mode = "timelapse"
	ModeVideo     Mode = "video"
)

// Options is the normalized, typed form of a Params bag.
type Options struct {
	Mode     Mode
	Output   string
	Width    int
	Height   int
	Encoding string

	// Timeout and Timelapse are nil when the caller did not supply them.
	Timeout   *int
	Timelapse *int

	// Flags are boolean switches emitted bare when true.
	Flags map[string]bool
	// Extra holds every other option, passed through as -<key><value>.
	Extra map[string]string
}

// Normalize builds Options from an already translated bag, filling defaults
// and clamping the timeout. Applying it to the result of Options.Params
// yields an equal value.
func Normalize(p Params) (*Options, error) {
	o := &Options{
		Flags: make(map[string]bool),
		Extra: make(map[string]string),
	}

	for _, key := range p.Keys() {
		if err := o.Set(key, p[key]); err != nil {
			return nil, err
		}
	}

	if o.Mode == "" {
		o.Mode = ModePhoto
	}
	if o.Width == 0 {
		o.Width = DefaultWidth
	}
	if o.Height == 0 {
		o.Height = DefaultHeight
	}

	return o, nil
}

// ClampTimeout limits t to MaxTimeout.
func ClampTimeout(t int) int {
	return min(t, MaxTimeout)
}

// Get returns the string form of an option and whether it is set.
func (o *Options) Get(key string) (string, bool) {
	switch key {
	case KeyMode:
		return string(o.Mode), o.Mode != ""
	case KeyOutput:
		return o.Output, o.Output != ""
	case KeyWidth:
		return itoa(o.Width), true
	case KeyHeight:
		return itoa(o.Height), true
	case KeyEncoding:
		return o.Encoding, o.Encoding != ""
	case KeyTimeout:
		if o.Timeout == nil {
			return "", false
		}
		return itoa(*o.Timeout), true
	case KeyTimelapse:
		if o.Timelapse == nil {
			return "", false
		}
		return itoa(*o.Timelapse), true
	}

	if v, ok := o.Flags[key]; ok {
		return strconv.FormatBool(v), true
	}
	v, ok := o.Extra[key]
	return v, ok
}

// Set assigns one option from its string form. Setting timeout or timelapse
// to "" clears it.
func (o *Options) Set(key, value string) error {
	switch key {
	case KeyMode:
		o.Mode = Mode(value)
	case KeyOutput:
		o.Output = value
	case KeyEncoding:
		o.Encoding = value
	case KeyWidth:
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		o.Width = n
	case KeyHeight:
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		o.Height = n
	case KeyTimeout:
		if value == "" {
			o.Timeout = nil
			return nil
		}
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		n = ClampTimeout(n)
		o.Timeout = &n
	case KeyTimelapse:
		if value == "" {
			o.Timelapse = nil
			return nil
		}
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		o.Timelapse = &n
	default:
		if o.Flags == nil {
			o.Flags = make(map[string]bool)
		}
		if o.Extra == nil {
			o.Extra = make(map[string]string)
		}
		if isBool(value) {
			o.Flags[key] = value == "true"
			delete(o.Extra, key)
		} else {
			o.Extra[key] = value
			delete(o.Flags, key)
		}
	}
	return nil
}

// Params converts o back into a bag.
func (o *Options) Params() Params {
	p := make(Params, len(o.Extra)+len(o.Flags)+7)
	for _, key := range []string{KeyMode, KeyOutput, KeyWidth, KeyHeight, KeyTimeout, KeyTimelapse, KeyEncoding} {
		if v, ok := o.Get(key); ok {
			p[key] = v
		}
	}
	for k, v := range o.Extra {
		p[k] = v
	}
	for k, v := range o.Flags {
		p[k] = strconv.FormatBool(v)
	}
	return p
}

// Clone returns a deep copy of o.
func (o *Options) Clone() *Options {
	c := *o
	if o.Timeout != nil {
		t := *o.Timeout
		c.Timeout = &t
	}
	if o.Timelapse != nil {
		t := *o.Timelapse
		c.Timelapse = &t
	}
	c.Flags = make(map[string]bool, len(o.Flags))
	for k, v := range o.Flags {
		c.Flags[k] = v
	}
	c.Extra = make(map[string]string, len(o.Extra))
	for k, v := range o.Extra {
		c.Extra[k] = v
	}
	return &c
}

// Args builds the capture program's argument list. Every option except mode
// becomes -<key><value> with no separator; true flags are emitted bare and
// false flags are left out. The order is stable: typed options first, then
// extras and flags sorted by name.
func (o *Options) Args() []string {
	var args []string
	for _, key := range []string{KeyOutput, KeyWidth, KeyHeight, KeyTimeout, KeyTimelapse, KeyEncoding} {
		if v, ok := o.Get(key); ok {
			args = append(args, "-"+key+v)
		}
	}

	extras := make([]string, 0, len(o.Extra))
	for k := range o.Extra {
		extras = append(extras, k)
	}
	sort.Strings(extras)
	for _, k := range extras {
		args = append(args, "-"+k+o.Extra[k])
	}

	flags := make([]string, 0, len(o.Flags))
	for k, on := range o.Flags {
		if on {
			flags = append(flags, k)
		}
	}
	sort.Strings(flags)
	for _, k := range flags {
		args = append(args, "-"+k)
	}

	return args
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, key, value)
	}
	return n, nil
}
