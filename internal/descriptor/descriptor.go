// Package descriptor holds the static launch configuration of a managed server.
package descriptor

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/devpanel/internal/env"
	"github.com/loykin/devpanel/internal/logger"
)

const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultGracePeriod    = 5 * time.Second
	DefaultStopSignal     = "TERM"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Descriptor describes one server: what to run, how to tell it is up and how
// to stop it. Descriptors are created when configuration is loaded and are
// never mutated afterwards.
type Descriptor struct {
	Name       string   `json:"name" mapstructure:"name"`
	Executable string   `json:"executable" mapstructure:"executable"`
	Args       []string `json:"args,omitempty" mapstructure:"args"`
	WorkDir    string   `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Env        []string `json:"env,omitempty" mapstructure:"env"`

	// Ports the server is expected to listen on once ready.
	Ports []int `json:"ports,omitempty" mapstructure:"ports"`
	// ReadyPattern is a regular expression matched against output lines.
	ReadyPattern string `json:"ready_pattern,omitempty" mapstructure:"ready_pattern"`
	// ReadyCommand succeeds (exit 0) once the server accepts work.
	ReadyCommand   string        `json:"ready_command,omitempty" mapstructure:"ready_command"`
	StartupTimeout time.Duration `json:"startup_timeout,omitempty" mapstructure:"startup_timeout"`

	StopSignal string `json:"stop_signal,omitempty" mapstructure:"stop_signal"`
	// GracePeriod is how long a stop waits after StopSignal before killing.
	// Zero means DefaultGracePeriod; use stop_signal KILL for an immediate kill.
	GracePeriod time.Duration `json:"grace_period,omitempty" mapstructure:"grace_period"`

	// Weight orders aggregate operations: start ascending, stop descending.
	Weight int `json:"weight" mapstructure:"weight"`

	Log logger.Config `json:"log,omitempty" mapstructure:"log"`
}

// WithDefaults returns a copy with zero-valued optional fields filled in. A
// zero GracePeriod cannot be told apart from an unset one.
func (d Descriptor) WithDefaults() Descriptor {
	if d.StartupTimeout == 0 {
		d.StartupTimeout = DefaultStartupTimeout
	}
	if d.GracePeriod == 0 {
		d.GracePeriod = DefaultGracePeriod
	}
	if d.StopSignal == "" {
		d.StopSignal = DefaultStopSignal
	}
	return d
}

// HasReadiness reports whether the descriptor declares any readiness signal.
func (d Descriptor) HasReadiness() bool {
	return len(d.Ports) > 0 || d.ReadyPattern != "" || d.ReadyCommand != ""
}

func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("server name is required")
	}
	if !safeName.MatchString(d.Name) || strings.Contains(d.Name, "..") {
		return fmt.Errorf("server %q: name may only contain letters, digits, '.', '_' and '-'", d.Name)
	}
	if strings.TrimSpace(d.Executable) == "" {
		return fmt.Errorf("server %q: executable is required", d.Name)
	}
	for _, p := range d.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("server %q: port %d out of range", d.Name, p)
		}
	}
	if d.StartupTimeout < 0 {
		return fmt.Errorf("server %q: startup_timeout must not be negative", d.Name)
	}
	if d.GracePeriod < 0 {
		return fmt.Errorf("server %q: grace_period must not be negative", d.Name)
	}
	if d.ReadyPattern != "" {
		if _, err := regexp.Compile(d.ReadyPattern); err != nil {
			return fmt.Errorf("server %q: ready_pattern: %w", d.Name, err)
		}
	}
	if d.StopSignal != "" {
		if _, err := ParseSignal(d.StopSignal); err != nil {
			return fmt.Errorf("server %q: %w", d.Name, err)
		}
	}
	return nil
}

// ValidateSet validates every descriptor and rejects duplicate names.
func ValidateSet(descs []Descriptor) error {
	seen := make(map[string]struct{}, len(descs))
	var errs []error
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("server %q: duplicate name", d.Name))
			continue
		}
		seen[d.Name] = struct{}{}
	}
	return errors.Join(errs...)
}

// Signal returns the configured stop signal, TERM when unset.
func (d Descriptor) Signal() syscall.Signal {
	s, err := ParseSignal(d.StopSignal)
	if err != nil {
		return syscall.SIGTERM
	}
	return s
}

// ParseSignal accepts TERM, INT, QUIT, HUP and KILL with or without the SIG prefix.
func ParseSignal(name string) (syscall.Signal, error) {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	switch n {
	case "", "TERM":
		return syscall.SIGTERM, nil
	case "INT":
		return syscall.SIGINT, nil
	case "QUIT":
		return syscall.SIGQUIT, nil
	case "HUP":
		return syscall.SIGHUP, nil
	case "KILL":
		return syscall.SIGKILL, nil
	}
	return 0, fmt.Errorf("unknown stop signal %q", name)
}

// Vars returns the template variables available to Args: name, workdir,
// port (first port) and port0..portN.
func (d Descriptor) Vars() env.Var {
	v := env.Var{"name": d.Name, "workdir": d.WorkDir}
	for i, p := range d.Ports {
		ps := strconv.Itoa(p)
		if i == 0 {
			v["port"] = ps
		}
		v["port"+strconv.Itoa(i)] = ps
	}
	return v
}

// ExpandArgs substitutes ${var} and $var references in Args. Descriptor
// variables take precedence over environ. Unknown references are left exactly
// as written and "$$" yields a literal "$".
func (d Descriptor) ExpandArgs(environ env.Var) []string {
	out := make([]string, len(d.Args))
	for i, a := range d.Args {
		out[i] = d.expand(a, environ)
	}
	return out
}

func (d Descriptor) expand(s string, environ env.Var) string {
	if !strings.Contains(s, "$") {
		return s
	}
	vars := d.Vars()
	lookup := func(key string) (string, bool) {
		if v, ok := vars[key]; ok {
			return v, true
		}
		v, ok := environ[key]
		return v, ok
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch c := s[i+1]; {
		case c == '$':
			b.WriteByte('$')
			i++
		case c == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				b.WriteString(s[i:])
				return b.String()
			}
			ref := s[i : i+3+end]
			if v, ok := lookup(s[i+2 : i+2+end]); ok {
				b.WriteString(v)
			} else {
				b.WriteString(ref)
			}
			i += 2 + end
		case isNameByte(c):
			j := i + 1
			for j < len(s) && isNameByte(s[j]) {
				j++
			}
			if v, ok := lookup(s[i+1 : j]); ok {
				b.WriteString(v)
			} else {
				b.WriteString(s[i:j])
			}
			i = j - 1
		default:
			b.WriteByte('$')
		}
	}
	return b.String()
}

func isNameByte(c byte) bool {
	return c == '_' || '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

// Command builds the *exec.Cmd for one spawn. environ is the fully composed
// environment (see env.Env.Map).
func (d Descriptor) Command(environ env.Var) *exec.Cmd {
	// #nosec G204 -- executable and args come from the operator's own config
	cmd := exec.Command(d.expand(d.Executable, environ), d.ExpandArgs(environ)...)
	cmd.Dir = d.WorkDir
	cmd.Env = environ.List()
	return cmd
}
