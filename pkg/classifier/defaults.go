package classifier

import "github.com/supporttools/log-sentinel/pkg/types"

const ipv4 = `(?P<ip>\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`

// DefaultRules are appended after configured rules unless disabled. All of
// them match case-insensitively.
var DefaultRules = []types.RuleConfig{
	{
		ID:          "failed-password",
		Category:    string(types.CategoryFailedLogin),
		Pattern:     `(?i)Failed password for (?:invalid user )?(?P<user>\S+) from ` + ipv4,
		Description: "sshd rejected a password",
	},
	{
		ID:          "invalid-user",
		Category:    string(types.CategoryFailedLogin),
		Pattern:     `(?i)Invalid user (?P<user>\S+) from ` + ipv4,
		Description: "login attempt for an unknown account",
	},
	{
		ID:          "pam-auth-failure",
		Category:    string(types.CategoryFailedLogin),
		Pattern:     `(?i)authentication failure;.*rhost=` + ipv4,
		Description: "PAM authentication failure",
	},
	{
		ID:          "segfault",
		Category:    string(types.CategoryCrash),
		Pattern:     `(?i)\bsegfault\b|\bsegmentation fault\b`,
		Description: "process terminated by SIGSEGV",
	},
	{
		ID:          "kernel-panic",
		Category:    string(types.CategoryCrash),
		Pattern:     `(?i)\bkernel panic\b`,
		Description: "kernel panic",
	},
	{
		ID:          "python-traceback",
		Category:    string(types.CategoryCrash),
		Pattern:     `(?i)Traceback \(most recent call last\):`,
		Description: "uncaught Python exception",
	},
	{
		ID:          "critical-error",
		Category:    string(types.CategoryCrash),
		Pattern:     `(?i)\bCRITICAL\b.*\berror\b`,
		Description: "critical application error",
	},
	{
		ID:          "service-crashed",
		Category:    string(types.CategoryCrash),
		Pattern:     `(?i)service .* (?:crashed|exited with code \d+)`,
		Description: "service crash or abnormal exit",
	},
	{
		ID:          "firewall-drop",
		Category:    string(types.CategorySuspicious),
		Pattern:     `(?i)DROP .* IN=(?P<iface>\w+) .* SRC=` + ipv4,
		Description: "packet dropped by the firewall",
	},
	{
		ID:          "sql-injection",
		Category:    string(types.CategorySuspicious),
		Pattern:     `(?i)(?:\b['"]?\s*or\s+1=1\b)|(?:\bunion\b.*\bselect\b)`,
		Description: "SQL injection probe",
	},
	{
		ID:          "path-traversal",
		Category:    string(types.CategorySuspicious),
		Pattern:     `(?:\.\./){2,}`,
		Description: "directory traversal attempt",
	},
	{
		ID:          "http-auth-denied",
		Category:    string(types.CategorySuspicious),
		Pattern:     `(?i)\b403\b|\b401\b|\b404\b .* from ` + ipv4,
		Description: "denied or probing HTTP request",
	},
}

// GetDefaultRules returns a copy of the default rules.
func GetDefaultRules() []types.RuleConfig {
	rules := make([]types.RuleConfig, len(DefaultRules))
	copy(rules, DefaultRules)
	return rules
}

// MergeWithDefaults returns configured rules followed by the defaults they do
// not override. A configured rule replaces the default with the same ID.
func MergeWithDefaults(userRules []types.RuleConfig, useDefaults bool) []types.RuleConfig {
	if !useDefaults {
		return userRules
	}

	overridden := make(map[string]bool, len(userRules))
	for _, rule := range userRules {
		overridden[rule.ID] = true
	}

	merged := make([]types.RuleConfig, 0, len(userRules)+len(DefaultRules))
	merged = append(merged, userRules...)
	for _, rule := range DefaultRules {
		if !overridden[rule.ID] {
			merged = append(merged, rule)
		}
	}
	return merged
}
