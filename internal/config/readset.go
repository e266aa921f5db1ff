package config

// PlatformLoaderMinimum returns the small set of paths a dynamic loader
// needs to start any child process at all: the dynamic linker itself, the
// shared library search path, and the certificate bundle locations most
// runtimes probe for TLS. This is the "platform-mandated minimum" that
// keeps an AllowOnly read policy usable even when allow_read is empty.
func PlatformLoaderMinimum() []string {
	return []string{
		"/lib",
		"/lib64",
		"/usr/lib",
		"/usr/lib64",
		"/usr/local/lib",
		"/etc/ld.so.cache",
		"/etc/ld.so.conf",
		"/etc/ld.so.conf.d",
		"/etc/ssl/certs",
		"/usr/share/ca-certificates",
	}
}

// EffectiveReadSet computes the paths the child may read under the
// configured read policy, per the §3 invariant: under AllowOnly, the
// effective set is (allow_read - deny_within_allow_read) union the
// platform minimum; under DenyOnly, it is implicitly "everything except
// deny_read" and is represented here only by its explicit deny list,
// since enumerating "everything" is meaningless.
func EffectiveReadSet(c *Config) (allow []string, deny []string) {
	switch c.Filesystem.ReadPolicy {
	case AllowOnly:
		allow = append(allow, c.Filesystem.AllowRead...)
		allow = append(allow, PlatformLoaderMinimum()...)
		deny = append(deny, c.Filesystem.DenyWithinAllowRead...)
		return allow, deny
	default: // DenyOnly
		return nil, c.Filesystem.DenyRead
	}
}

// EffectiveWriteSet computes the paths the child may write. Write policy
// is always allow-only: an empty allow_write means the filesystem is
// read-only to the child.
func EffectiveWriteSet(c *Config) (allow []string, deny []string) {
	return c.Filesystem.AllowWrite, c.Filesystem.DenyWithinAllowWrite
}
