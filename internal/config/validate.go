package config

import "fmt"

// FieldError reports a single ill-formed configuration field. It is the
// payload of the orchestrator's InvalidConfig error.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid configuration field %q: %s", e.Field, e.Reason)
}

// Validate checks the structural invariants from §3 and the port/route
// validation from §4.8, returning the first violation found. It does not
// check anything that requires live host state (e.g. whether a loopback
// port is actually reachable) — that is the orchestrator's job.
func Validate(c *Config) error {
	if err := validatePort("network.http_proxy_port", c.Network.HTTPProxyPort); err != nil {
		return err
	}
	if err := validatePort("network.socks_proxy_port", c.Network.SOCKSProxyPort); err != nil {
		return err
	}
	if c.Network.HTTPProxyPort != nil && c.Network.SOCKSProxyPort != nil &&
		*c.Network.HTTPProxyPort == *c.Network.SOCKSProxyPort {
		return &FieldError{Field: "network.socks_proxy_port", Reason: "must differ from http_proxy_port"}
	}

	if c.Filesystem.ReadPolicy != DenyOnly && c.Filesystem.ReadPolicy != AllowOnly {
		return &FieldError{Field: "filesystem.read_policy", Reason: "must be \"deny_only\" or \"allow_only\""}
	}
	if c.Filesystem.ReadPolicy == AllowOnly && len(c.Filesystem.AllowRead) == 0 {
		// The platform-mandated minimum (loader search paths) always keeps
		// the effective read set non-empty, so an empty allow_read list is
		// not itself an error; it only becomes one if the platform has no
		// mandated minimum to fall back on, which PlatformLoaderMinimum
		// guarantees is never the case. This branch is therefore a no-op
		// guard kept for forward compatibility with a future platform that
		// might report no minimum.
		if len(PlatformLoaderMinimum()) == 0 {
			return &FieldError{Field: "filesystem.allow_read", Reason: "allow_only read policy requires allow_read or a platform loader minimum, and neither is present"}
		}
	}

	return nil
}

func validatePort(field string, p *int) error {
	if p == nil {
		return nil
	}
	if *p < 1 || *p > 65535 {
		return &FieldError{Field: field, Reason: "must be in [1, 65535]"}
	}
	return nil
}
