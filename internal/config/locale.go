package config

import (
	"os"
	"strings"
)

// FallbackLocale is used whenever a rule has nothing for the process locale.
const FallbackLocale = "en"

// ProcessLocale returns the configured locale, or the language part of
// LC_ALL, LC_MESSAGES or LANG. C and POSIX map to the fallback.
func (c *Config) ProcessLocale() string {
	if c.Locale != "" {
		return c.Locale
	}
	return localeFromEnv(os.Getenv)
}

func localeFromEnv(getenv func(string) string) string {
	for _, name := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		value := getenv(name)
		if value == "" {
			continue
		}
		if i := strings.IndexAny(value, "_.@"); i >= 0 {
			value = value[:i]
		}
		if value == "" || value == "C" || value == "POSIX" {
			return FallbackLocale
		}
		return strings.ToLower(value)
	}
	return FallbackLocale
}
