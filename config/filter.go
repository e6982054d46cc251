package config

import (
	"path"
)

// matchAny reports whether name matches at least one of the glob patterns.
// Patterns support '*' and '?' wildcards ('*', '*substr*', 'prefix*', ...).
func matchAny(name string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, err := path.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

// DatabaseMatches reports whether a source database is tracked. Exclude
// patterns win over include patterns; an empty include list passes every
// non-excluded database.
func (cfg *Config) DatabaseMatches(db string) bool {
	if matchAny(db, cfg.ExcludeDatabases) {
		return false
	}
	if len(cfg.Databases) == 0 {
		return true
	}
	return matchAny(db, cfg.Databases)
}

// TableMatches reports whether a table is tracked, same rules as
// DatabaseMatches.
func (cfg *Config) TableMatches(table string) bool {
	if matchAny(table, cfg.ExcludeTables) {
		return false
	}
	if len(cfg.Tables) == 0 {
		return true
	}
	return matchAny(table, cfg.Tables)
}
